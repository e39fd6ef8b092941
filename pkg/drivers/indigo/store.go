package indigo

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const bucket = "alpaca"

type store struct {
	db        *bolt.DB
	configKey string
	uidKey    string
}

// NewStore creates a new store for camera number and sets default values
// if they are not already set.
func NewStore(db *bolt.DB, number int) (*store, error) {
	st := store{
		db:        db,
		configKey: fmt.Sprintf("camera_%d_config", number),
		uidKey:    fmt.Sprintf("camera_%d_uid", number),
	}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

// setDefaults stores the default configuration and a fresh unique ID when
// they are missing.
func (s *store) setDefaults() error {
	if _, err := s.GetConfig(); err != nil {
		log.Infof("Setting default camera config")
		if err := s.SetConfig(defaultConfig); err != nil {
			return err
		}
	}

	if _, err := s.get(s.uidKey); err != nil {
		log.Infof("Generating camera unique ID")
		if err := s.put(s.uidKey, []byte(uuid.NewString())); err != nil {
			return err
		}
	}
	return nil
}

// SetConfig saves the camera configuration as a json string in the database.
func (s *store) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	value, _ := json.Marshal(cfg)
	return s.put(s.configKey, value)
}

// GetConfig retrieves the camera configuration from the database.
func (s *store) GetConfig() (Config, error) {
	var cfg Config

	value, err := s.get(s.configKey)
	if err != nil {
		return cfg, err
	}
	err = json.Unmarshal(value, &cfg)
	return cfg, err
}

// UniqueID returns the persisted device unique ID.
func (s *store) UniqueID() string {
	value, err := s.get(s.uidKey)
	if err != nil {
		return ""
	}
	return string(value)
}

func (s *store) put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *store) get(key string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("key %s not found", key)
		}
		value = append([]byte(nil), v...)
		return nil
	})

	return value, err
}
