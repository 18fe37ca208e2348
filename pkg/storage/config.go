package storage

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the archive selected by the storage-provider flag. The
// default keeps everything in memory.
func Configured() Database {
	provider := lflag.String("storage-provider", "memory", "Storage provider to use (available: memory, firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		db, err := open(context.Background(), *provider, fs)
		if err != nil {
			panic(err.Error())
		}
		p.Database = db
	})

	return &p
}

func open(ctx context.Context, provider string, fs *FirestoreProvider) (Database, error) {
	switch provider {
	case "memory":
		return NewMemory(), nil
	case "firestore":
		if err := fs.Validate(); err != nil {
			return nil, fmt.Errorf("firestore validation failed: %w", err)
		}
		if err := fs.Init(ctx); err != nil {
			return nil, fmt.Errorf("firestore init failed: %w", err)
		}
		return fs, nil
	}
	return nil, fmt.Errorf("unknown storage provider: %s", provider)
}
