// Package protocol holds the contracts shared by the transport adapters.
package protocol

import "github.com/labstack/echo/v4"

type HTTPRouter = *echo.Echo

// HTTPResolvable registers its routes on the router.
type HTTPResolvable interface {
	Resolve(HTTPRouter) error
}
