// Package health models the health of fedstream components and
// aggregates it for the daemon's /health endpoint.
//
// A Status is healthy, degraded or unhealthy. Aggregate folds several
// statuses into one: any unhealthy child makes the parent unhealthy,
// otherwise any degraded child makes it degraded. A Monitor keeps the
// latest status per component and can pull fresh statuses from
// registered checkers:
//
//	monitor := health.NewMonitor()
//	monitor.Register("transport", func() health.Status {
//	    if manager.State() == transport.StateConnected {
//	        return health.NewHealthy("transport", "Connected")
//	    }
//	    return health.NewDegraded("transport", "Reconnecting")
//	})
//	http.Handle("/health", monitor.Handler("fedstream"))
//
// Messages built from errors pass through FromError, which strips URLs,
// paths, addresses and credentials before they reach the endpoint.
package health
