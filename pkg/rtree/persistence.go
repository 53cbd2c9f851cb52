package rtree

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kass/store-locator/pkg/models"
	"github.com/klauspost/compress/zstd"
)

// IndexData represents the serializable form of the store index
type IndexData struct {
	Stores []models.StoreRecord `json:"stores"`
	Count  int64                `json:"count"`
}

// SaveToFile writes a snapshot of the index. Filenames ending in ".zst"
// are zstd compressed.
func (g *GeoIndex) SaveToFile(filename string) error {
	data := IndexData{
		Stores: g.All(),
	}
	data.Count = int64(len(data.Stores))

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	var w io.Writer = file
	var enc *zstd.Encoder
	if isCompressed(filename) {
		enc, err = zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("failed to create compressor: %w", err)
		}
		w = enc
	}

	if err := gob.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to flush compressor: %w", err)
		}
	}

	return file.Sync()
}

// LoadFromFile replaces the index contents with a snapshot
func (g *GeoIndex) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if isCompressed(filename) {
		dec, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to create decompressor: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	var data IndexData
	if err := gob.NewDecoder(r).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	if int64(len(data.Stores)) != data.Count {
		return fmt.Errorf("corrupt snapshot: header says %d stores, found %d", data.Count, len(data.Stores))
	}

	// Clear existing index and rebuild
	g.Clear()
	if _, err := g.IndexStores(data.Stores); err != nil {
		return fmt.Errorf("failed to index stores: %w", err)
	}

	return nil
}

func isCompressed(filename string) bool {
	return strings.HasSuffix(filename, ".zst")
}
