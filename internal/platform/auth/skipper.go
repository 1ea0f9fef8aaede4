package auth

import "github.com/labstack/echo/v4"

var publicPaths = map[string]bool{
	"/health": true,
}

// AuthSkipper reports whether a request targets a public endpoint that must
// stay reachable without a bearer token.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
