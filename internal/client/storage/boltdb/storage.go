package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/driftlab/driftsync/internal/hlc"
)

var (
	// BoltDB bucket names
	bucketRows   = []byte("rows")
	bucketOutbox = []byte("outbox")
	bucketState  = []byte("state")
)

var (
	keyDeviceID = []byte("device_id")
	keyClock    = []byte("clock")
)

// keySep разделитель составных ключей; не встречается в UUID и именах таблиц
const keySep = "\x1f"

// Storage represents BoltDB storage implementation for client
type Storage struct {
	db       *bbolt.DB
	clock    *hlc.Source
	deviceID string
}

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string) (*Storage, error) {
	// Открываем BoltDB
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	storage := &Storage{db: db}

	// Инициализируем buckets
	if err := storage.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	// Восстанавливаем идентификатор устройства и high-water mark часов
	if err := storage.initState(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sync state: %w", err)
	}

	return storage, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Clock возвращает HLC источник этого устройства
func (s *Storage) Clock() *hlc.Source {
	return s.clock
}

// DeviceID возвращает стабильный идентификатор этого устройства
func (s *Storage) DeviceID() string {
	return s.deviceID
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRows, bucketOutbox, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// initState восстанавливает device id и последний выданный HLC timestamp.
// Device id генерируется один раз и стабилен между перезапусками;
// восстановление часов гарантирует, что Now() не откатится после рестарта.
func (s *Storage) initState() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketState)

		deviceID := bucket.Get(keyDeviceID)
		if deviceID == nil {
			deviceID = []byte(uuid.New().String())
			if err := bucket.Put(keyDeviceID, deviceID); err != nil {
				return fmt.Errorf("failed to save device id: %w", err)
			}
		}
		s.deviceID = string(deviceID)

		var last hlc.Clock
		if data := bucket.Get(keyClock); data != nil {
			if err := json.Unmarshal(data, &last); err != nil {
				return fmt.Errorf("failed to unmarshal clock state: %w", err)
			}
		}
		s.clock = hlc.NewSourceAt(s.deviceID, last)

		return nil
	})
}

// saveClock персистит high-water mark часов внутри текущей транзакции
func (s *Storage) saveClock(tx *bbolt.Tx) error {
	data, err := json.Marshal(s.clock.Last())
	if err != nil {
		return fmt.Errorf("failed to marshal clock state: %w", err)
	}

	if err := tx.Bucket(bucketState).Put(keyClock, data); err != nil {
		return fmt.Errorf("failed to save clock state: %w", err)
	}

	return nil
}

// rowKey собирает составной ключ строки
func rowKey(workspaceID, table, pk string) []byte {
	return []byte(workspaceID + keySep + table + keySep + pk)
}
