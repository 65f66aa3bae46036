package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
)

// BootstrapURL is the connection URL encoded in the QR code.
func BootstrapURL(host string, port int, token *Token) string {
	return fmt.Sprintf("http://%s:%d/?token=%s", host, port, token.Value())
}

// BootstrapQR renders the connection URL as a PNG QR code.
func BootstrapQR(host string, port int, token *Token, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(BootstrapURL(host, port, token), qrcode.Medium, size)
}

// BootstrapHandler serves the unauthenticated pairing page at the
// server root. The QR encodes the connection URL with the token, so
// the page is only reachable from the host itself in typical setups.
func BootstrapHandler(host string, port int, token *Token) gin.HandlerFunc {
	return func(c *gin.Context) {
		png, err := BootstrapQR(host, port, token, 256)
		if err != nil {
			c.String(http.StatusInternalServerError, "failed to render QR code")
			return
		}
		page := fmt.Sprintf(bootstrapPage,
			base64.StdEncoding.EncodeToString(png),
			BootstrapURL(host, port, token))
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
	}
}

const bootstrapPage = `<!DOCTYPE html>
<html>
<head><title>tetherd</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h1>tetherd</h1>
<p>Scan to connect:</p>
<img src="data:image/png;base64,%s" alt="connection QR code">
<p><code>%s</code></p>
</body>
</html>`
