// Package codec converts between message.Value and the tagged text segments of
// the bridge wire protocol.
//
// Every segment starts with a single type tag followed by its payload:
//
//	n              null
//	btrue          boolean
//	i42            32-bit integer
//	L9007199254740993
//	               long / arbitrary precision integer
//	d1.5           double (NaN, Infinity, -Infinity spelled out)
//	D3.14159       decimal as text
//	jAAEC          bytes, base64
//	shello\nworld  string, with backslash, CR and LF escaped
//	ro12           reference to a remote object
//	fp0;a.B;c.D    proxy id followed by the interfaces it implements
//	v              void
package codec

import (
	"fmt"
	"strings"
	"sync"
)

// Tag is a single-character wire type tag.
type Tag = byte

const (
	TagNull      Tag = 'n'
	TagBool      Tag = 'b'
	TagInt       Tag = 'i'
	TagLong      Tag = 'L'
	TagDouble    Tag = 'd'
	TagDecimal   Tag = 'D'
	TagBytes     Tag = 'j'
	TagString    Tag = 's'
	TagReference Tag = 'r'
	TagProxy     Tag = 'f'
	TagVoid      Tag = 'v'

	// Collection tags are accepted on decode and passed through as raw values.
	TagArray Tag = 't'
	TagSet   Tag = 'h'
	TagList  Tag = 'l'
	TagMap   Tag = 'a'

	// Reflection probe outcomes.
	TagPackage  Tag = 'p'
	TagClass    Tag = 'c'
	TagMethod   Tag = 'm'
	TagNoMember Tag = 'o'
)

// Response markers.
const (
	ReturnMarker  = '!'
	SuccessMarker = 'y'
	ErrorMarker   = 'x'
)

// Reserved spellings for the IEEE special values.
const (
	NaN              = "NaN"
	Infinity         = "Infinity"
	NegativeInfinity = "-Infinity"
)

const (
	MaxInt = 2147483647
	MinInt = -2147483648
)

var (
	escaper   = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\r`, "\r", `\n`, "\n")
)

// Escape makes s safe to embed in a single protocol line. Backslashes are
// escaped before CR and LF so an escaped sequence is never processed twice.
func Escape(s string) string { return escaper.Replace(s) }

// Unescape reverses Escape. The replacer scans left to right, so `\\n` is
// restored as a backslash followed by 'n', not as a backslash and a newline.
func Unescape(s string) string { return unescaper.Replace(s) }

// ProxyPool hands out ids for local objects passed to the remote side as proxies.
type ProxyPool interface {
	Put(obj any) string
}

// MemoryProxyPool assigns sequential ids p0, p1, ... and keeps the objects
// reachable for the lifetime of the pool.
type MemoryProxyPool struct {
	mu      sync.Mutex
	next    int
	objects map[string]any
}

func NewProxyPool() *MemoryProxyPool {
	return &MemoryProxyPool{objects: make(map[string]any)}
}

func (p *MemoryProxyPool) Put(obj any) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("p%d", p.next)
	p.next++
	p.objects[id] = obj
	return id
}

// Get returns the object registered under id.
func (p *MemoryProxyPool) Get(id string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[id]
	return obj, ok
}

func (p *MemoryProxyPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}
