// Package appz is a local process supervisor. A long-running daemon starts,
// monitors, revives and stops pools of identical worker processes ("apps")
// that share a set of listening ports. Clients drive the daemon over a
// unix socket carrying newline-delimited JSON events.
//
// Controlling a daemon from Go:
//
//	client, err := appz.DefaultClient()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := client.Start(ctx, "./web", appz.StartOptions{
//	    App: appz.AppOptions{Workers: 4},
//	})
//	fmt.Printf("%s: %d workers\n", res.App, res.Started)
//
// The daemon is started on demand when nothing listens on the socket.
//
// # Workers
//
// A worker is available once it binds one of its app's ports or reports
// readiness. Programs run under appz use the worker helpers:
//
//	ln, err := appz.Listen("tcp", ":"+os.Getenv("PORT"))
//	...
//	appz.Ready()
//	<-appz.Disconnected()
//
// Starting a batch is all-or-nothing: if any worker exits or the request
// is cancelled before every worker is available, the batch is killed and
// the previous workers keep running. Workers that crash after a successful
// start are revived.
//
// # Daemon
//
// The daemon keeps its state below the home directory ($APPZ_HOME or
// ~/.appz): the control socket, the app registry used by resurrect, per-app
// log files, a lifecycle journal and an optional appzd.yaml.
package appz
