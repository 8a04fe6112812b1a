// Package apps carries the built-in server-side message handlers.
package apps

import (
	"github.com/HappyFarang/newways-hub/internal/router"
	"go.uber.org/zap"
)

const (
	// AppExpenseTracker is the app name the expense tracker clients register under.
	AppExpenseTracker = "MAUI_ExpenseTracker"
	// AppInventory is the app name for the stock tracking clients.
	AppInventory = "Inventory"
)

// Register wires the built-in handlers into the router.
func Register(rt *router.Router, log *zap.Logger) {
	rt.RegisterHandler(AppExpenseTracker, func() router.Handler { return NewExpenseHandler(log) })
	rt.RegisterHandler(AppInventory, func() router.Handler { return NewInventoryHandler(log) })
}
