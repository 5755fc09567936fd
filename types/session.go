package types

// SessionCapabilities is advisory, populated lazily from the dApp's declared
// capability set. Atomic-batch support must be re-verified via the quoting
// service before it is trusted.
type SessionCapabilities struct {
	AtomicBatch bool `json:"atomic_batch"`
}

// Session is one pairing with a remote dApp.
type Session struct {
	ID            string               `json:"id"`
	Chains        []uint64             `json:"chains"`
	ActiveAccount string               `json:"active_account"`
	Dapp          DappInfo             `json:"dapp"`
	Capabilities  *SessionCapabilities `json:"capabilities,omitempty"`
}
