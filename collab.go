package collab

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	mathrand "math/rand"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	parsed, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(parsed), nil
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + self.String() + `"`), nil
}

func (self *Id) UnmarshalJSON(b []byte) error {
	idStr := strings.Trim(string(b), `"`)
	id, err := ParseId(idStr)
	if err != nil {
		return err
	}
	*self = id
	return nil
}

var localIdCounter uint64

// temporary id for an entity created optimistically before the server has
// confirmed it. The server assigns the durable id.
func NewLocalNodeId() string {
	c := atomic.AddUint64(&localIdCounter, 1)
	return fmt.Sprintf("local_%d_%d", time.Now().UnixMilli(), c)
}

func IsLocalNodeId(nodeId string) bool {
	return strings.HasPrefix(nodeId, "local_")
}

// command ids are generated client side and never reassigned
func NewCommandId(commandType string) string {
	return fmt.Sprintf("%s_%d_%06d", commandType, time.Now().UnixMilli(), mathrand.Intn(1000000))
}
