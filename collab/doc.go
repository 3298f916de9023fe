package collab

import (
	"encoding/binary"
	"encoding/hex"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/exp/slices"
)

// the root element editors bind to
const DefaultRootName = "content"

// where an update came from
type Origin string

const (
	// a mutation made on this replica
	OriginLocal Origin = "local"
	// an update received from the sync provider
	OriginRemote Origin = "remote"
	// an update replayed from the offline store
	OriginLocalCache Origin = "local_cache"
)

func (self Origin) IsRemote() bool {
	return self == OriginRemote
}

type Update struct {
	Id   Id
	Data []byte
}

type UpdateFunction = func(update *Update, origin Origin)

// Doc is a replicated document. The replica state is a grow-only set of
// updates keyed by id, so applying the same update twice is a no-op and any
// two replicas that have seen the same ids hold the same content.
type Doc struct {
	mutex   sync.Mutex
	roots   mapset.Set[string]
	ids     mapset.Set[Id]
	updates map[Id][]byte

	updateCallbacks *CallbackList[UpdateFunction]
}

func NewDoc() *Doc {
	return &Doc{
		roots:           mapset.NewThreadUnsafeSet[string](),
		ids:             mapset.NewThreadUnsafeSet[Id](),
		updates:         map[Id][]byte{},
		updateCallbacks: NewCallbackList[UpdateFunction](),
	}
}

// returns true if the root was created by this call
func (self *Doc) EnsureRoot(name string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.roots.Add(name)
}

func (self *Doc) HasRoot(name string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.roots.Contains(name)
}

func (self *Doc) OnUpdate(callback UpdateFunction) func() {
	return self.updateCallbacks.Subscribe(callback)
}

// local mutation
func (self *Doc) Insert(data []byte) *Update {
	update := &Update{
		Id:   NewId(),
		Data: slices.Clone(data),
	}
	self.Apply(update, OriginLocal)
	return update
}

// returns false if the update was already present
func (self *Doc) Apply(update *Update, origin Origin) bool {
	added := func() bool {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if !self.ids.Add(update.Id) {
			return false
		}
		self.updates[update.Id] = slices.Clone(update.Data)
		return true
	}()
	if !added {
		return false
	}
	for _, callback := range self.updateCallbacks.Get() {
		HandleError(func() {
			callback(update, origin)
		})
	}
	return true
}

func (self *Doc) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.ids.Cardinality()
}

func (self *Doc) Has(id Id) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.ids.Contains(id)
}

// a copy of the ids held by this replica
func (self *Doc) Ids() mapset.Set[Id] {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.ids.Clone()
}

// updates held by this replica that are not in `known`, in id order
func (self *Doc) Missing(known mapset.Set[Id]) []*Update {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	missing := []*Update{}
	for _, id := range self.ids.ToSlice() {
		if known.Contains(id) {
			continue
		}
		missing = append(missing, &Update{
			Id:   id,
			Data: self.updates[id],
		})
	}
	sortUpdates(missing)
	return missing
}

// all updates in id order
func (self *Doc) Updates() []*Update {
	return self.Missing(mapset.NewThreadUnsafeSet[Id]())
}

// content digest that is equal across converged replicas
func (self *Doc) Checksum() string {
	hasher := blake3.New()
	lengthBytes := make([]byte, 8)
	for _, update := range self.Updates() {
		hasher.Write(update.Id.Bytes())
		binary.BigEndian.PutUint64(lengthBytes, uint64(len(update.Data)))
		hasher.Write(lengthBytes)
		hasher.Write(update.Data)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func sortUpdates(updates []*Update) {
	slices.SortFunc(updates, func(a *Update, b *Update) int {
		return a.Id.Compare(b.Id)
	})
}

// DocMap is the caller-owned replicated document store, `docId -> *Doc`.
type DocMap struct {
	mutex sync.Mutex
	docs  map[string]*Doc
}

func NewDocMap() *DocMap {
	return &DocMap{
		docs: map[string]*Doc{},
	}
}

func (self *DocMap) Get(docId string) (*Doc, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	doc, ok := self.docs[docId]
	return doc, ok
}

// returns true if the doc was created by this call
func (self *DocMap) GetOrCreate(docId string) (*Doc, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if doc, ok := self.docs[docId]; ok {
		return doc, false
	}
	doc := NewDoc()
	self.docs[docId] = doc
	return doc, true
}

func (self *DocMap) Delete(docId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.docs, docId)
}
