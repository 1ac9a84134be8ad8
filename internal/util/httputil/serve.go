/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexandremahdhaoui/cdromd/internal/util/gracefulshutdown"
)

type contextKey string

// ServerNameContextKey holds the name of the server a request was received by.
const ServerNameContextKey contextKey = "server-name"

// ShutdownTimeout bounds the time a server is given to drain its connections.
const ShutdownTimeout = 30 * time.Second

// ServerName returns the name of the server that received the request, if any.
func ServerName(ctx context.Context) string {
	name, _ := ctx.Value(ServerNameContextKey).(string)
	return name
}

// Serve runs the given servers alongside the components already registered with gs, and shuts them down once the
// context of gs is done. It blocks until then.
func Serve(servers map[string]*http.Server, gs *gracefulshutdown.GracefulShutdown) {
	for name, server := range servers {
		ctx := context.WithValue(gs.Context(), ServerNameContextKey, name)

		server.BaseContext = func(_ net.Listener) context.Context {
			return ctx
		}

		gs.WaitGroup().Add(1)

		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "❌ received error", "server", name, "error", err)

				// Done must be called before Shutdown, which waits for the wait group.
				gs.WaitGroup().Done()
				gs.Shutdown(1)

				return
			}

			gs.WaitGroup().Done()
			gs.Shutdown(0)
		}()
	}

	gs.Ready()

	<-gs.Context().Done()

	for name, server := range servers {
		go func() {
			ctx := context.WithValue(context.Background(), ServerNameContextKey, name)

			ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "❌ received error while shutting down server", "server", name, "error", err)

				return
			}

			slog.Info("✅ gracefully shut down server", "server", name)
		}()
	}
}
