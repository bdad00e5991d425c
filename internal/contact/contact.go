package contact

import (
	"log/slog"

	"idlink/internal/contact/handler"
	"idlink/internal/contact/service"
)

// Reconciler resolves submissions into identity clusters.
type Reconciler = service.Reconciler

// Handler wires HTTP endpoints to the reconciler.
type Handler = handler.Handler

// NewReconciler constructs the reconciler with its store and transaction
// boundary.
func NewReconciler(store service.Store, tx service.TxRunner, opts ...service.Option) *Reconciler {
	return service.New(store, tx, opts...)
}

// NewHandler constructs an HTTP handler for the identify endpoint.
func NewHandler(r *Reconciler, logger *slog.Logger) *Handler {
	return handler.New(r, logger)
}
