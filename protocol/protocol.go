// Package protocol implements command framing for the bridge wire protocol.
//
// The protocol is line oriented: every command is an opcode line, zero or more
// tagged segments, and an end marker, each terminated by a newline. The server
// answers every command with exactly one newline-terminated response line.
// There is no sequence number; responses are matched to commands by order alone.
//
// Command format:
//
//	c            opcode (c call, i constructor, r reflection, f field)
//	ro3          target reference
//	snextInt     method name
//	i10          arguments, one segment each
//	e            end marker
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"mini-bridge/codec"
	"mini-bridge/message"
)

// Opcode identifies a command.
type Opcode byte

const (
	OpCall        Opcode = 'c'
	OpConstructor Opcode = 'i'
	OpReflection  Opcode = 'r'
	OpField       Opcode = 'f'
)

const (
	// End terminates the segment list of a command.
	End = "e"
	// FieldGet is the field sub-command.
	FieldGet = "g"
	// StaticPrefix qualifies a class name used as a call target.
	StaticPrefix = "z:"
	// EntryPointID names the object the server exposes as its entry point.
	EntryPointID = "t"
)

// MaxLineSize bounds a single command or response line.
const MaxLineSize = 16 * 1024 * 1024

// Command is a fully encoded command: an opcode and its wire segments.
type Command struct {
	Op    Opcode
	Parts []string
}

// String renders the framed command, including the end marker and trailing newline.
func (c *Command) String() string {
	var b strings.Builder
	b.WriteByte(byte(c.Op))
	b.WriteByte('\n')
	for _, p := range c.Parts {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	b.WriteString(End)
	b.WriteByte('\n')
	return b.String()
}

// NewConstructor builds `i`, the class path and one segment per argument.
func NewConstructor(classPath string, args []message.Value, pool codec.ProxyPool) (*Command, error) {
	if classPath == "" {
		return nil, message.Protocolf("constructor without a class path")
	}
	return newCommand(OpConstructor, []string{string(codec.TagString) + codec.Escape(classPath)}, args, pool)
}

// NewConstructorRef builds a constructor whose target is an existing class reference.
func NewConstructorRef(classRef string, args []message.Value, pool codec.ProxyPool) (*Command, error) {
	if classRef == "" {
		return nil, message.Protocolf("constructor without a class reference")
	}
	if err := codec.CheckRaw("class reference", classRef); err != nil {
		return nil, err
	}
	return newCommand(OpConstructor, []string{string(codec.TagReference) + classRef}, args, pool)
}

// NewCall builds a method call on the object identified by target.
func NewCall(target, method string, args []message.Value, pool codec.ProxyPool) (*Command, error) {
	if target == "" {
		return nil, message.Protocolf("call without a target")
	}
	if method == "" {
		return nil, message.Protocolf("call without a method name")
	}
	if err := codec.CheckRaw("call target", target); err != nil {
		return nil, err
	}
	head := []string{
		string(codec.TagReference) + target,
		string(codec.TagString) + codec.Escape(method),
	}
	return newCommand(OpCall, head, args, pool)
}

// NewStaticCall builds a call to a static method of className.
func NewStaticCall(className, method string, args []message.Value, pool codec.ProxyPool) (*Command, error) {
	return NewCall(StaticPrefix+className, method, args, pool)
}

// NewReflection asks the server what a dotted path denotes.
func NewReflection(path string) *Command {
	return &Command{Op: OpReflection, Parts: []string{string(codec.TagString) + codec.Escape(path)}}
}

// NewMemberReflection asks what member denotes inside the class className.
func NewMemberReflection(className, member string) *Command {
	return &Command{Op: OpReflection, Parts: []string{
		string(codec.TagString) + codec.Escape(className),
		string(codec.TagString) + codec.Escape(member),
	}}
}

// NewFieldGet reads a field of the object identified by target.
func NewFieldGet(target, field string) (*Command, error) {
	if target == "" || field == "" {
		return nil, message.Protocolf("field access needs a target and a field name")
	}
	if err := codec.CheckRaw("field target", target); err != nil {
		return nil, err
	}
	return &Command{Op: OpField, Parts: []string{
		FieldGet,
		string(codec.TagReference) + target,
		string(codec.TagString) + codec.Escape(field),
	}}, nil
}

func newCommand(op Opcode, head []string, args []message.Value, pool codec.ProxyPool) (*Command, error) {
	parts := make([]string, 0, len(head)+len(args))
	parts = append(parts, head...)
	for i, arg := range args {
		seg, err := codec.EncodeValue(arg, pool)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		parts = append(parts, seg)
	}
	return &Command{Op: op, Parts: parts}, nil
}

// Encode writes a complete command to w.
// The caller must serialize writers sharing one connection, otherwise lines
// from different commands interleave.
func Encode(w io.Writer, c *Command) error {
	_, err := io.WriteString(w, c.String())
	return err
}

// Decode reads one complete command from r, up to and including its end marker.
func Decode(r *bufio.Reader) (*Command, error) {
	op, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(op) != 1 {
		return nil, fmt.Errorf("invalid opcode line: %q", op)
	}
	switch Opcode(op[0]) {
	case OpCall, OpConstructor, OpReflection, OpField:
	default:
		return nil, fmt.Errorf("unsupported opcode: %q", op)
	}

	cmd := &Command{Op: Opcode(op[0])}
	for {
		line, err := readLine(r)
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == End {
			return cmd, nil
		}
		cmd.Parts = append(cmd.Parts, line)
	}
}

// ReadResponse reads one newline-terminated response, newline included.
func ReadResponse(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line, nil
}

// WriteResponse writes a success response carrying an encoded segment.
func WriteResponse(w io.Writer, segment string) error {
	_, err := io.WriteString(w, string(codec.ReturnMarker)+string(codec.SuccessMarker)+segment+"\n")
	return err
}

// WriteError writes an error response. segment is usually a reference (the
// exception object) or a string message.
func WriteError(w io.Writer, segment string) error {
	_, err := io.WriteString(w, string(codec.ReturnMarker)+string(codec.ErrorMarker)+segment+"\n")
	return err
}

func readLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		if b.Len()+len(chunk) > MaxLineSize {
			return "", fmt.Errorf("line exceeds %d bytes", MaxLineSize)
		}
		b.Write(chunk)
		if !isPrefix {
			return b.String(), nil
		}
	}
}
