package ports

type StoragePort interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) error
	Delete(key string) error
	Exists(key string) (bool, error)

	BatchWrite(ops []WriteOp) error

	GetNext(prefix string) (key string, value []byte, exists bool, err error)
	GetNextAfter(prefix string, afterKey string) (key string, value []byte, exists bool, err error)
	CountPrefix(prefix string) (count int, err error)
	AtomicIncrement(key string) (newValue int64, err error)

	ListByPrefix(prefix string) ([]KeyValueVersion, error)
	DeleteByPrefix(prefix string) (deletedCount int, err error)

	Close() error
}

type WriteOp struct {
	Type  OpType
	Key   string
	Value []byte
}

type KeyValueVersion struct {
	Key     string
	Value   []byte
	Version int64
}

type OpType int

const (
	OpPut OpType = iota
	OpDelete
)
