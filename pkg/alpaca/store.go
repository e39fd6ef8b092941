package alpaca

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket          = "alpaca"
	serverConfigKey = "server_config"
)

// Config is the part of the server description editable from the setup
// page.
type Config struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

var defaultConfig = Config{
	Name:     "skycam",
	Location: "Observatory",
}

type Store struct {
	db *bolt.DB
}

func NewStore(db *bolt.DB) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) setDefaults() error {
	if _, err := s.GetConfig(); err != nil {
		log.Infof("Setting default server config")
		return s.SetConfig(defaultConfig)
	}
	return nil
}

// SetConfig saves the server configuration as a json string in the database.
func (s *Store) SetConfig(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("server name cannot be empty")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(cfg)
		return b.Put([]byte(serverConfigKey), value)
	})
}

// GetConfig retrieves the server configuration from the database.
func (s *Store) GetConfig() (Config, error) {
	var cfg Config

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(serverConfigKey))
		if value == nil {
			return fmt.Errorf("key %s not found", serverConfigKey)
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}
