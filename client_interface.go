package appz

import (
	"context"
)

// Controller is the client-side view of a daemon. Client implements it;
// tests and embedding programs can substitute their own.
type Controller interface {
	Start(ctx context.Context, dir string, opts StartOptions) (*StartResult, error)
	Stop(ctx context.Context, app string, opts KillOptions, immediate bool) (*StopResult, error)
	Restart(ctx context.Context, app string, opts KillOptions, immediate bool) (*StartResult, error)
	RestartAll(ctx context.Context, opts KillOptions, immediate bool) (*StartResult, error)
	List(ctx context.Context) (*ListResult, error)
	Info(ctx context.Context, app string) (*AppStats, error)

	// Logs streams output until ctx is cancelled
	Logs(ctx context.Context, app string) error

	Resurrect(ctx context.Context, immediate bool) (*StartResult, error)
	Ping(ctx context.Context) error
	Exit(ctx context.Context) error
}
