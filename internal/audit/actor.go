package audit

// Actor identifies who initiated an operation. The authentication layer in
// front of this subsystem supplies it; the managers only carry it through to
// audit entries and ownership checks.
type Actor struct {
	ID        string
	SourceIP  string
	UserAgent string
}

// System is the actor used by the rotation scheduler for unattended
// operations.
var System = Actor{ID: "system"}
