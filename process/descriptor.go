package process

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	// ChildFlag precedes the encoded LaunchDescriptor on the command line of
	// a child process.
	ChildFlag = `-osbridge-child`

	fieldDelimiter = `"`
	fdDelimiter    = `;`
	pairDelimiter  = `:`
)

// LaunchDescriptor carries everything a child process needs to start.
type LaunchDescriptor struct {
	// ModulePath is the module (e.g. plugin) providing the entry point, or
	// empty for an entry built into the executable.
	ModulePath string

	// ModuleEntry names the entry point.
	ModuleEntry string

	// Arguments is passed verbatim to the entry point.
	Arguments string

	// Fds maps file descriptor numbers in the child to OS handles in the
	// parent.
	Fds map[int]uint64

	// ConnectionID identifies the child to its launcher.
	ConnectionID int32

	// TargetHandle is the transport handle of the launcher's Messenger.
	TargetHandle uint64
}

// Encode returns the single-argument form of the descriptor: six fields
// separated by `"`, the fourth a list of fd:handle pairs, each terminated
// by `;`. Fields containing `"` cannot be encoded, and fail with
// ErrDelimiterCollision.
func (x LaunchDescriptor) Encode() (string, error) {
	for _, field := range [...]struct{ name, value string }{
		{`module path`, x.ModulePath},
		{`module entry`, x.ModuleEntry},
		{`arguments`, x.Arguments},
	} {
		if strings.Contains(field.value, fieldDelimiter) {
			return ``, fmt.Errorf(`%w: %s %q`, ErrDelimiterCollision, field.name, field.value)
		}
	}

	fds := make([]int, 0, len(x.Fds))
	for fd := range x.Fds {
		if fd < 0 {
			return ``, fmt.Errorf(`%w: negative fd %d`, ErrMalformedDescriptor, fd)
		}
		fds = append(fds, fd)
	}
	sort.Ints(fds)

	var b strings.Builder
	b.WriteString(x.ModulePath)
	b.WriteString(fieldDelimiter)
	b.WriteString(x.ModuleEntry)
	b.WriteString(fieldDelimiter)
	b.WriteString(x.Arguments)
	b.WriteString(fieldDelimiter)
	for _, fd := range fds {
		b.WriteString(strconv.Itoa(fd))
		b.WriteString(pairDelimiter)
		b.WriteString(strconv.FormatUint(x.Fds[fd], 10))
		b.WriteString(fdDelimiter)
	}
	b.WriteString(fieldDelimiter)
	b.WriteString(strconv.FormatInt(int64(x.ConnectionID), 10))
	b.WriteString(fieldDelimiter)
	b.WriteString(strconv.FormatUint(x.TargetHandle, 10))
	return b.String(), nil
}

// ParseLaunchDescriptor decodes the output of LaunchDescriptor.Encode.
func ParseLaunchDescriptor(s string) (LaunchDescriptor, error) {
	fields := strings.Split(s, fieldDelimiter)
	if len(fields) != 6 {
		return LaunchDescriptor{}, fmt.Errorf(`%w: expected 6 fields, got %d`, ErrMalformedDescriptor, len(fields))
	}

	x := LaunchDescriptor{
		ModulePath:  fields[0],
		ModuleEntry: fields[1],
		Arguments:   fields[2],
	}

	for _, pair := range strings.Split(fields[3], fdDelimiter) {
		if pair == `` {
			continue
		}
		k, v, ok := strings.Cut(pair, pairDelimiter)
		if !ok {
			return LaunchDescriptor{}, fmt.Errorf(`%w: fd pair %q`, ErrMalformedDescriptor, pair)
		}
		fd, err := strconv.Atoi(k)
		if err != nil || fd < 0 {
			return LaunchDescriptor{}, fmt.Errorf(`%w: fd %q`, ErrMalformedDescriptor, k)
		}
		handle, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return LaunchDescriptor{}, fmt.Errorf(`%w: handle %q`, ErrMalformedDescriptor, v)
		}
		if x.Fds == nil {
			x.Fds = make(map[int]uint64)
		}
		x.Fds[fd] = handle
	}

	id, err := strconv.ParseInt(fields[4], 10, 32)
	if err != nil {
		return LaunchDescriptor{}, fmt.Errorf(`%w: connection id %q`, ErrMalformedDescriptor, fields[4])
	}
	x.ConnectionID = int32(id)

	if x.TargetHandle, err = strconv.ParseUint(fields[5], 10, 64); err != nil {
		return LaunchDescriptor{}, fmt.Errorf(`%w: target handle %q`, ErrMalformedDescriptor, fields[5])
	}

	return x, nil
}

// IsChildInvocation reports whether args, typically os.Args, is the command
// line of a launched child.
func IsChildInvocation(args []string) bool {
	_, ok := childArgument(args)
	return ok
}

// ChildDescriptor extracts and parses the launch descriptor from a child's
// command line.
func ChildDescriptor(args []string) (LaunchDescriptor, error) {
	s, ok := childArgument(args)
	if !ok {
		return LaunchDescriptor{}, fmt.Errorf(`%w: missing %s`, ErrMalformedDescriptor, ChildFlag)
	}
	return ParseLaunchDescriptor(s)
}

func childArgument(args []string) (string, bool) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == ChildFlag {
			return args[i+1], true
		}
	}
	return ``, false
}
