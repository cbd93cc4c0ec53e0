// Package app composes the Lab CV services into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── core/service/       # Descriptors and classified service errors
//	├── domain/             # Domain models (cv, payment, access, prompt, ...)
//	├── storage/            # Store interfaces, memory and postgres stores, blobs
//	├── services/           # Business logic, one package per module
//	├── jobs/               # cron maintenance jobs
//	├── httpapi/            # HTTP routes and handlers
//	├── metrics/            # Prometheus collectors
//	└── system/             # Lifecycle manager for background services
//
// # Wiring
//
// Connect opens the external collaborators selected by the configuration
// (Postgres, Supabase, the AI provider, Yappy, Resend, Redis). New builds the
// services on top of them and substitutes in-process implementations for
// anything missing, so a memory-backed application needs no network access:
//
//	deps, res, err := app.Connect(ctx, cfg, app.ConnectOptions{Migrate: true}, log)
//	...
//	defer res.Close()
//	application, err := app.New(cfg, deps, log)
//	...
//	handler, err := httpapi.NewHandler(application, httpapi.Options{Logger: log})
//
// Start runs the payment reconcile poller and the job scheduler; Stop halts
// them within the context deadline.
//
// # Dependency Direction
//
//	cmd/labcv-server, cmd/labcv-admin
//	      │
//	      ▼
//	internal/app (composition) ──► internal/app/services ──► internal/app/storage
//	      │                                 │
//	      └──► internal/middleware          └──► internal/app/domain
package app
