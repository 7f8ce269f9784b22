package supervisor

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionIDs mints gemini_<unix-millis> ids that strictly increase within
// the process even when several are requested in the same millisecond.
type sessionIDs struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func (g *sessionIDs) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return "gemini_" + strconv.FormatInt(ms, 10)
}

// pendingKey identifies an invocation in the registry until its session id
// is known.
func pendingKey(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("pending_%d_%s", now.UnixMilli(), suffix)
}
