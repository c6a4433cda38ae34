package steps

import (
	"context"
	"sync"

	"github.com/eleven-am/conduit/internal/domain"
)

// fakeEntities is an in-memory EntityRepository for step tests.
type fakeEntities struct {
	mu       sync.Mutex
	entities map[string]map[string]interface{}
	hashes   map[string]string
	saves    int
}

func newFakeEntities() *fakeEntities {
	return &fakeEntities{
		entities: make(map[string]map[string]interface{}),
		hashes:   make(map[string]string),
	}
}

func entityKey(entityType, id string) string { return entityType + "/" + id }

func (f *fakeEntities) Load(entityType, id string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entity, ok := f.entities[entityKey(entityType, id)]
	if !ok {
		return nil, domain.NewNotFoundError(entityType, id)
	}
	return entity, nil
}

func (f *fakeEntities) Save(entityType, id string, entity map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[entityKey(entityType, id)] = entity
	f.saves++
	return nil
}

func (f *fakeEntities) Delete(entityType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entityKey(entityType, id)
	if _, ok := f.entities[key]; !ok {
		return domain.NewNotFoundError(entityType, id)
	}
	delete(f.entities, key)
	return nil
}

func (f *fakeEntities) FindByHash(entityType, hash string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.hashes[entityKey(entityType, hash)]
	return id, ok, nil
}

func (f *fakeEntities) SaveWithHash(entityType, id, hash string, entity map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[entityKey(entityType, id)] = entity
	f.hashes[entityKey(entityType, hash)] = id
	f.saves++
	return nil
}

func (f *fakeEntities) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entities)
}

// fakeCompleter returns canned responses in order.
type fakeCompleter struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "{}", nil
	}
	response := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return response, nil
}
