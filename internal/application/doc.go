// Package application provides application initialization and dependency wiring.
// It builds the capacity menu and run stores, the allocation engine, handlers,
// routers and the HTTP server, keeping the main package focused on CLI parsing
// and orchestration.
package application
