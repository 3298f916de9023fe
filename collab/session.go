package collab

import (
	"context"
	"fmt"
	"sync"
)

var sessionLog = VLogFn(1, "s")

// SessionSnapshot is replaced wholesale on every change. Copies are safe to keep.
type SessionSnapshot struct {
	DocId   string
	Enabled bool
	// sticky once the doc has been populated from a remote sync or the local cache
	Hydrated bool
	// hydrated, provider synced, and no pending local changes
	Synced             bool
	LocalCacheHydrated bool
	// incremented on every attach
	DocEpoch         int
	ConnectionStatus ConnectionStatus
}

// maps provider status to session status
func sessionConnectionStatus(status ConnectionStatus) ConnectionStatus {
	switch status {
	case ConnectionStatusOffline, "":
		return ConnectionStatusDisconnected
	default:
		return status
	}
}

type SessionListenerFunction = func()

// Session owns at most one provider at a time and derives a readiness
// snapshot from it. A disabled session never attaches and is always ready.
type Session struct {
	factory ProviderFactory

	stateLock sync.Mutex
	destroyed bool
	// incremented on every teardown. An attach whose factory call spans a
	// teardown is abandoned.
	generation uint64

	snapshot     SessionSnapshot
	provider     Provider
	doc          *Doc
	attachCtx    context.Context
	attachCancel context.CancelCauseFunc
	unsubscribes []func()

	listeners *CallbackList[SessionListenerFunction]
}

func NewSession(factory ProviderFactory, docId string, enabled bool) *Session {
	return &Session{
		factory: factory,
		snapshot: SessionSnapshot{
			DocId:            docId,
			Enabled:          enabled,
			Hydrated:         !enabled,
			Synced:           !enabled,
			ConnectionStatus: ConnectionStatusDisconnected,
		},
		listeners: NewCallbackList[SessionListenerFunction](),
	}
}

func (self *Session) Snapshot() SessionSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshot
}

// listeners are called with no arguments after every snapshot change
func (self *Session) Subscribe(listener SessionListenerFunction) func() {
	return self.listeners.Subscribe(listener)
}

func (self *Session) SetDocId(docId string) {
	self.stateLock.Lock()
	if self.snapshot.DocId == docId {
		self.stateLock.Unlock()
		return
	}
	provider := self.teardown(ErrSessionDetached)
	next := self.snapshot
	next.DocId = docId
	next.Hydrated = !next.Enabled
	next.Synced = !next.Enabled
	next.LocalCacheHydrated = false
	next.ConnectionStatus = ConnectionStatusDisconnected
	self.snapshot = next
	self.stateLock.Unlock()

	if provider != nil {
		provider.Destroy()
	}
	self.notify()
}

// Attach replaces any current provider with a new one for the session doc.
// Returns nil without side effects when the session is disabled.
//
// Errors:
//   - ErrSessionDestroyed when the session is destroyed before or during the attach
//   - ErrSessionDetached when a detach, a doc id change, or another attach
//     happens while the provider is being created
func (self *Session) Attach(ctx context.Context, docMap *DocMap) (*ProviderResult, error) {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return nil, ErrSessionDestroyed
	}
	if !self.snapshot.Enabled {
		self.stateLock.Unlock()
		return nil, nil
	}
	previous := self.teardown(ErrSessionDetached)
	docId := self.snapshot.DocId
	generation := self.generation
	self.stateLock.Unlock()

	if previous != nil {
		previous.Destroy()
	}

	result, err := self.factory.Create(ctx, docId, docMap)
	if err != nil {
		return nil, err
	}
	doc, ok := docMap.Get(docId)
	if !ok {
		result.Provider.Destroy()
		return nil, fmt.Errorf("%w: %s", ErrDocMissing, docId)
	}
	provider := result.Provider

	self.stateLock.Lock()
	if self.destroyed || self.generation != generation {
		abandonErr := ErrSessionDetached
		if self.destroyed {
			abandonErr = ErrSessionDestroyed
		}
		self.stateLock.Unlock()
		provider.Destroy()
		sessionLog("%s attach abandoned = %s", docId, abandonErr)
		return nil, abandonErr
	}
	self.provider = provider
	self.doc = doc
	self.attachCtx, self.attachCancel = context.WithCancelCause(context.Background())
	self.unsubscribes = []func(){
		provider.OnSync(func(synced bool) {
			self.derive(provider)
		}),
		provider.OnLocalChanges(func(hasLocalChanges bool) {
			self.derive(provider)
		}),
		provider.OnConnectionStatus(func(status ConnectionStatus) {
			self.update(provider, func(next *SessionSnapshot) {
				next.ConnectionStatus = sessionConnectionStatus(status)
			})
		}),
		provider.OnConnectionClose(func(err error) {
			self.update(provider, func(next *SessionSnapshot) {
				next.Synced = false
			})
		}),
		provider.OnConnectionError(func(err error) {
			self.update(provider, func(next *SessionSnapshot) {
				next.Synced = false
				next.ConnectionStatus = ConnectionStatusError
			})
		}),
		doc.OnUpdate(func(update *Update, origin Origin) {
			if origin.IsRemote() {
				return
			}
			self.update(provider, func(next *SessionSnapshot) {
				next.Hydrated = true
				next.LocalCacheHydrated = true
			})
			self.derive(provider)
		}),
	}

	next := self.snapshot
	next.DocEpoch += 1
	next.Hydrated = false
	next.Synced = false
	next.LocalCacheHydrated = false
	next.ConnectionStatus = sessionConnectionStatus(provider.Status())
	// the provider may have synced before the listeners were registered
	deriveSnapshot(&next, provider)
	self.snapshot = next
	docEpoch := next.DocEpoch
	self.stateLock.Unlock()

	sessionLog("%s attach epoch=%d", docId, docEpoch)
	self.notify()

	provider.Connect()
	return result, nil
}

func (self *Session) Detach() {
	self.stateLock.Lock()
	provider := self.teardown(ErrSessionDetached)
	next := self.snapshot
	if next.Enabled {
		next.Hydrated = false
		next.Synced = false
	}
	next.ConnectionStatus = ConnectionStatusDisconnected
	changed := next != self.snapshot
	self.snapshot = next
	self.stateLock.Unlock()

	if provider != nil {
		provider.Destroy()
		sessionLog("%s detach", next.DocId)
	}
	if changed {
		self.notify()
	}
}

// AwaitSynced waits for the attached provider without a timeout. It ends with
// the cause of `ctx`, or with ErrSessionDetached/ErrSessionDestroyed when the
// provider is torn down first.
func (self *Session) AwaitSynced(ctx context.Context) error {
	self.stateLock.Lock()
	if !self.snapshot.Enabled {
		self.stateLock.Unlock()
		return nil
	}
	provider := self.provider
	attachCtx := self.attachCtx
	self.stateLock.Unlock()

	if provider == nil {
		return ErrNoProvider
	}

	waitCtx, waitCancel := AnyContext(ctx, attachCtx)
	defer waitCancel()
	return WaitForSyncWithSettings(waitCtx, provider, &WaitSettings{
		Timeout:           0,
		DrainLocalChanges: true,
	})
}

// Destroy is final. Later attaches fail with ErrSessionDestroyed.
func (self *Session) Destroy() {
	self.stateLock.Lock()
	self.destroyed = true
	provider := self.teardown(ErrSessionDestroyed)
	self.stateLock.Unlock()

	if provider != nil {
		provider.Destroy()
	}
	self.listeners.Clear()
	sessionLog("%s destroy", self.Snapshot().DocId)
}

// must be called with the state lock held. The returned provider must be destroyed after unlock.
func (self *Session) teardown(reason error) Provider {
	self.generation += 1
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
	self.unsubscribes = nil
	if self.attachCancel != nil {
		self.attachCancel(reason)
		self.attachCancel = nil
	}
	provider := self.provider
	self.provider = nil
	self.doc = nil
	return provider
}

func deriveSnapshot(next *SessionSnapshot, provider Provider) {
	providerSynced := provider.Synced()
	next.Hydrated = next.Hydrated || providerSynced
	next.Synced = next.Hydrated && providerSynced && !provider.HasLocalChanges()
}

func (self *Session) derive(provider Provider) {
	self.update(provider, func(next *SessionSnapshot) {
		deriveSnapshot(next, provider)
	})
}

// applies `change` if `provider` is still the attached provider
func (self *Session) update(provider Provider, change func(next *SessionSnapshot)) {
	self.stateLock.Lock()
	if self.provider != provider {
		self.stateLock.Unlock()
		return
	}
	next := self.snapshot
	change(&next)
	changed := next != self.snapshot
	self.snapshot = next
	self.stateLock.Unlock()

	if changed {
		self.notify()
	}
}

func (self *Session) notify() {
	for _, listener := range self.listeners.Get() {
		HandleError(listener)
	}
}
