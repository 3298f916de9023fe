package collab

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-playground/assert/v2"
)

func TestDocApplyIdempotent(t *testing.T) {
	doc := NewDoc()

	origins := []Origin{}
	doc.OnUpdate(func(update *Update, origin Origin) {
		origins = append(origins, origin)
	})

	update := doc.Insert([]byte("a"))
	assert.Equal(t, doc.Len(), 1)
	assert.Equal(t, doc.Has(update.Id), true)

	assert.Equal(t, doc.Apply(update, OriginRemote), false)
	assert.Equal(t, doc.Len(), 1)
	assert.Equal(t, origins, []Origin{OriginLocal})

	remote := &Update{Id: NewId(), Data: []byte("b")}
	assert.Equal(t, doc.Apply(remote, OriginRemote), true)
	assert.Equal(t, origins, []Origin{OriginLocal, OriginRemote})
}

func TestDocMissing(t *testing.T) {
	doc := NewDoc()
	a := doc.Insert([]byte("a"))
	b := doc.Insert([]byte("b"))
	c := doc.Insert([]byte("c"))

	known := mapset.NewThreadUnsafeSet(b.Id)
	missing := doc.Missing(known)
	assert.Equal(t, len(missing), 2)
	assert.Equal(t, missing[0].Id, a.Id)
	assert.Equal(t, missing[1].Id, c.Id)

	// a thread safe set is accepted too
	missing = doc.Missing(mapset.NewSet(a.Id, b.Id, c.Id))
	assert.Equal(t, len(missing), 0)
}

func TestDocChecksumConverges(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	assert.Equal(t, a.Checksum(), b.Checksum())

	u1 := a.Insert([]byte("one"))
	u2 := b.Insert([]byte("two"))
	assert.NotEqual(t, a.Checksum(), b.Checksum())

	// opposite order of application
	a.Apply(u2, OriginRemote)
	b.Apply(u1, OriginRemote)
	assert.Equal(t, a.Checksum(), b.Checksum())
	assert.Equal(t, len(a.Checksum()), 64)
}

func TestDocCallbackPanicIsolated(t *testing.T) {
	doc := NewDoc()

	calls := 0
	doc.OnUpdate(func(update *Update, origin Origin) {
		panic("listener")
	})
	doc.OnUpdate(func(update *Update, origin Origin) {
		calls += 1
	})

	doc.Insert([]byte("a"))
	assert.Equal(t, calls, 1)
	assert.Equal(t, doc.Len(), 1)
}

func TestDocRoots(t *testing.T) {
	doc := NewDoc()
	assert.Equal(t, doc.HasRoot(DefaultRootName), false)
	assert.Equal(t, doc.EnsureRoot(DefaultRootName), true)
	assert.Equal(t, doc.EnsureRoot(DefaultRootName), false)
	assert.Equal(t, doc.HasRoot(DefaultRootName), true)
}

func TestDocMap(t *testing.T) {
	docMap := NewDocMap()

	_, ok := docMap.Get("a")
	assert.Equal(t, ok, false)

	doc, created := docMap.GetOrCreate("a")
	assert.Equal(t, created, true)
	same, created := docMap.GetOrCreate("a")
	assert.Equal(t, created, false)
	assert.Equal(t, same == doc, true)

	docMap.Delete("a")
	_, ok = docMap.Get("a")
	assert.Equal(t, ok, false)
}

func TestIdParse(t *testing.T) {
	id := NewId()
	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	fromBytes, err := IdFromBytes(id.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, fromBytes, id)

	_, err = IdFromBytes([]byte{1, 2, 3})
	assert.NotEqual(t, err, nil)

	next := NewId()
	assert.Equal(t, id.Compare(next) <= 0, true)
}
