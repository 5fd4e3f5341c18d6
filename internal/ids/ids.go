// Package ids generates identifiers: time-sortable ULIDs for trades and UUIDs for
// requests and websocket clients.
package ids

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewTradeID returns a ULID. IDs created in the same millisecond still sort in
// creation order.
func NewTradeID() string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// IsTradeID reports whether s parses as a ULID
func IsTradeID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// NewRequestID returns a random UUID for request correlation
func NewRequestID() string {
	return uuid.New().String()
}
