package enclave

// NotificationRegistry is the set of account_id values registered for
// update notifications (spec §4.8). Membership is mutated by an
// authenticated RegisterNotification command and inspected during
// ingestion under the same write lock as the rest of group state
// (pkg/ingest).
type NotificationRegistry struct {
	accounts map[[32]byte]struct{}
}

// NewNotificationRegistry returns an empty registry.
func NewNotificationRegistry() *NotificationRegistry {
	return &NotificationRegistry{accounts: make(map[[32]byte]struct{})}
}

// Register adds accountID to the notified set.
func (r *NotificationRegistry) Register(accountID [32]byte) {
	r.accounts[accountID] = struct{}{}
}

// Unregister removes accountID from the notified set.
func (r *NotificationRegistry) Unregister(accountID [32]byte) {
	delete(r.accounts, accountID)
}

// Registered reports whether accountID is currently registered.
func (r *NotificationRegistry) Registered(accountID [32]byte) bool {
	_, ok := r.accounts[accountID]
	return ok
}
