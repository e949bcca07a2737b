// Package health provides liveness and readiness endpoints.
//
// Components register a CheckFunc with a Checker; the readiness endpoint runs
// all checks concurrently, each bounded by the checker's timeout, and
// answers 503 when any of them fails:
//
//	checker := health.New(2 * time.Second)
//	checker.RegisterCheck("storage", store.Health)
//	router.Get("/health", checker.LivenessHandler())
//	router.Get("/ready", checker.ReadinessHandler())
//
// The liveness endpoint never runs checks, so a slow database does not get
// the process restarted.
package health
