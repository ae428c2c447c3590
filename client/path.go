package client

import (
	"context"
	"fmt"
	"strings"

	"mini-bridge/codec"
	"mini-bridge/message"
	"mini-bridge/protocol"
)

// reservedNames are property names host-side object conventions look up on
// any value (promise detection, JSON encoding, constructor lookup). Extending
// a Path with one of them yields the zero Path instead of a segment.
var reservedNames = map[string]bool{
	"then":        true,
	"toJSON":      true,
	"constructor": true,
}

// Path is an unresolved dotted expression. It is either rooted at the remote
// namespace (from Gateway.JVM) or bound to a remote object (from ObjectRef.Path
// or Result.Object). Paths are immutable; Extend returns a new one.
//
// The zero Path is returned for reserved names and never resolves.
type Path struct {
	gw       *Gateway
	root     bool
	ref      string
	segments []string
}

// Extend returns the path with one more segment.
func (p Path) Extend(segment string) Path {
	if p.gw == nil || segment == "" || reservedNames[segment] {
		return Path{}
	}
	segs := make([]string, len(p.segments), len(p.segments)+1)
	copy(segs, p.segments)
	return Path{gw: p.gw, root: p.root, ref: p.ref, segments: append(segs, segment)}
}

// Lookup extends the path by every segment of a dotted name:
// Lookup("java.util.Random") is Extend("java").Extend("util").Extend("Random").
func (p Path) Lookup(dotted string) Path {
	for _, seg := range strings.Split(dotted, ".") {
		p = p.Extend(seg)
	}
	return p
}

func (p Path) IsZero() bool { return p.gw == nil }

// Segments returns a copy of the accumulated segments.
func (p Path) Segments() []string {
	return append([]string(nil), p.segments...)
}

func (p Path) String() string {
	joined := strings.Join(p.segments, ".")
	if p.ref != "" {
		return p.ref + ":" + joined
	}
	return joined
}

// Resolve invokes the path with args.
//
// A path bound to an object calls the method named by the joined segments on
// that object. A root path is resolved one segment at a time with reflection
// probes until it turns out to name a constructor or a static method.
func (p Path) Resolve(ctx context.Context, args ...message.Value) (Result, error) {
	if p.gw == nil {
		return Result{}, &message.ResolutionError{Reason: "empty path or reserved name"}
	}

	var cmd *protocol.Command
	var err error
	if p.root {
		cmd, err = p.resolveRoot(ctx, args)
	} else {
		if len(p.segments) == 0 {
			return Result{}, &message.ResolutionError{Path: p.String(), Reason: "no method name"}
		}
		cmd, err = protocol.NewCall(p.ref, strings.Join(p.segments, "."), args, p.gw.pool)
	}
	if err != nil {
		return Result{}, err
	}

	v, err := p.gw.Do(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: v, gw: p.gw}, nil
}

// resolveRoot probes each prefix of the path and returns the terminal command.
// Before a class is found the probe carries the dotted prefix; afterwards it
// asks about one member of the current class.
func (p Path) resolveRoot(ctx context.Context, args []message.Value) (*protocol.Command, error) {
	full := strings.Join(p.segments, ".")
	if full == "" {
		return nil, &message.ResolutionError{Reason: "empty path"}
	}

	var class string
	for k, seg := range p.segments {
		last := k == len(p.segments)-1

		probe := protocol.NewReflection(strings.Join(p.segments[:k+1], "."))
		if class != "" {
			probe = protocol.NewMemberReflection(class, seg)
		}
		outcome, err := p.gw.Do(ctx, probe)
		if err != nil {
			return nil, err
		}

		switch probeTag(outcome) {
		case codec.TagPackage:
			if class != "" {
				return nil, &message.ResolutionError{Path: full, Reason: fmt.Sprintf("package %q inside class %s", seg, class)}
			}
			if last {
				return nil, &message.ResolutionError{Path: full, Reason: "names a package"}
			}
		case codec.TagClass:
			name := outcome.Text()
			if name == "" {
				name = strings.Join(p.segments[:k+1], ".")
				if class != "" {
					name = class + "$" + seg
				}
			}
			if last {
				return protocol.NewConstructor(name, args, p.gw.pool)
			}
			class = name
		case codec.TagMethod:
			if class == "" {
				return nil, &message.ResolutionError{Path: full, Reason: fmt.Sprintf("method %q outside any class", seg)}
			}
			if !last {
				return nil, &message.ResolutionError{Path: full, Reason: fmt.Sprintf("segments after static method %s.%s", class, seg)}
			}
			return protocol.NewStaticCall(class, seg, args, p.gw.pool)
		default:
			return nil, &message.ResolutionError{Path: full, Reason: fmt.Sprintf("%q resolved to %s", seg, outcome)}
		}
	}
	return nil, &message.ResolutionError{Path: full, Reason: "names a package"}
}

func probeTag(v message.Value) byte {
	if v.Kind() != message.KindRaw {
		return 0
	}
	return v.Tag()
}
