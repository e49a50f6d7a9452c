package storage

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/serebryakov7/canfuzz/common"
)

const (
	DefaultPath = "canfuzz.db"

	eventsBucket   = "events"
	triggersBucket = "triggers"
	progressBucket = "progress"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
}

// TriggerEntry содержит сводку по кадру, вызывавшему визуальные изменения.
type TriggerEntry struct {
	Frame common.Frame `cbor:"f"`
	Count uint64       `cbor:"n"`
	First time.Time    `cbor:"first"`
	Last  time.Time    `cbor:"last"`
}

// Progress хранит место, где остановился перебор плана.
type Progress struct {
	ID        uint32    `cbor:"id"`
	ByteIndex int       `cbor:"i"`
	ByteValue int       `cbor:"v"`
	Sent      uint64    `cbor:"sent"`
	Session   string    `cbor:"session,omitempty"`
	Updated   time.Time `cbor:"updated"`
}

// OpenDB открывает (или создаёт) bbolt-базу и гарантирует наличие bucket’ов.
func OpenDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{eventsBucket, triggersBucket, progressBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// AppendEvent добавляет запись журнала в конец bucket’а events.
func AppendEvent(db *bolt.DB, rec common.Record) error {
	data, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cbor: %w", err)
	}
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(eventsBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], data)
	})
}

// ForEachEvent обходит записи в порядке добавления.
func ForEachEvent(db *bolt.DB, fn func(seq uint64, rec common.Record) error) error {
	return db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(eventsBucket)).ForEach(func(k, v []byte) error {
			var rec common.Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("событие %x: %w", k, err)
			}
			return fn(binary.BigEndian.Uint64(k), rec)
		})
	})
}

// RecordTrigger учитывает срабатывание кадра.
// Возвращает true, если кадр сработал впервые.
func RecordTrigger(db *bolt.DB, frame common.Frame, at time.Time) (bool, error) {
	key := []byte(frame.Key())
	var isNew bool

	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(triggersBucket))
		entry := TriggerEntry{Frame: frame, First: at}
		if raw := b.Get(key); raw != nil {
			if err := cbor.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("триггер %s: %w", key, err)
			}
		} else {
			isNew = true
		}
		entry.Count++
		entry.Last = at

		data, err := encMode.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	return isNew, err
}

// Triggers возвращает индекс срабатываний, самые частые первыми.
func Triggers(db *bolt.DB) ([]TriggerEntry, error) {
	var out []TriggerEntry
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(triggersBucket)).ForEach(func(k, v []byte) error {
			var e TriggerEntry
			if err := cbor.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("триггер %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Frame.Key() < out[j].Frame.Key()
	})
	return out, err
}

// SaveProgress сохраняет позицию перебора для плана planKey.
func SaveProgress(db *bolt.DB, planKey string, p Progress) error {
	data, err := encMode.Marshal(p)
	if err != nil {
		return fmt.Errorf("cbor: %w", err)
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(progressBucket)).Put([]byte(planKey), data)
	})
}

// LoadProgress читает позицию; ok == false, если план еще не запускался.
func LoadProgress(db *bolt.DB, planKey string) (p Progress, ok bool, err error) {
	err = db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(progressBucket)).Get([]byte(planKey))
		if raw == nil {
			return nil
		}
		ok = true
		return cbor.Unmarshal(raw, &p)
	})
	return p, ok, err
}

// ClearProgress удаляет позицию плана (например, после полного прохода).
func ClearProgress(db *bolt.DB, planKey string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(progressBucket)).Delete([]byte(planKey))
	})
}
