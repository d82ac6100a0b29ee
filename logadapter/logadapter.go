// Package logadapter provides adapters for popular logger libraries to
// work with mvstore's Logger interface.
//
// The adapters allow you to use your existing logger with mvstore without
// writing boilerplate. Note that the standard library's slog.Logger
// already implements mvstore.Logger directly.
//
// Example with zap:
//
//	import (
//	    "mvstore"
//	    "logadapter"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    store, err := mvstore.NewStore(mvstore.WithLogger(logadapter.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer store.Close()
//	}
package logadapter
