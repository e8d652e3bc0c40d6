// Package session coordinates contest sessions: creation, strictly ordered
// chunk uploads appended to a per-session data file, and teardown.
//
// Invariants:
// - A session is in the Registry if and only if its directory exists
//   (except during the single creation step).
// - A session's next chunk number equals the count of chunks accepted so far,
//   and the data file length equals the committed size.
// - Upload, processing and teardown of one session are mutually exclusive;
//   different sessions never contend.
//
// Usage:
//
//	reg, _ := session.NewRegistry(session.RegistryConfig{Root: "/srv/tally"})
//	st, _ := reg.Create(ctx, nil)
//	next, _ := session.NewCoordinator(reg).Upload(ctx, st.ID(), 0, body)
//	_ = next
//	_ = session.NewTeardownManager(reg).Teardown(ctx, st.ID())
package session
