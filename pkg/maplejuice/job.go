package maplejuice

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ryandielhenn/zephyrcluster/pkg/sdfs"
)

type Kind uint8

const (
	KindMaple Kind = iota
	KindJuice
)

func (k Kind) String() string {
	if k == KindMaple {
		return "maple"
	}
	return "juice"
}

var (
	ErrBadCommand   = errors.New("bad job command")
	ErrNoWorkers    = errors.New("not enough workers")
	ErrNoExecutable = errors.New("no such executable, put it onto sdfs first")
	ErrNoInput      = errors.New("no sdfs files match the prefix")
	ErrJobAborted   = errors.New("job aborted")
)

// Job is a parsed maple or juice command.
//
//	maple <exe> <num_maples> <src_prefix> <dest_prefix>
//	juice <exe> <num_juices> <prefix> <dest> <delete_input:0|1>
type Job struct {
	Kind        Kind
	Command     string
	Exe         string
	NumWorkers  int
	Prefix      string // maple: source file prefix; juice: intermediate prefix
	Dest        string // maple: intermediate prefix; juice: result file
	DeleteInput bool
}

func ParseJob(line string) (Job, error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return Job{}, ErrBadCommand
	}
	j := Job{Command: strings.Join(f, " ")}
	switch f[0] {
	case "maple":
		if len(f) != 5 {
			return Job{}, fmt.Errorf("%w: usage: maple <exe> <num_maples> <src_prefix> <dest_prefix>", ErrBadCommand)
		}
		j.Kind = KindMaple
	case "juice":
		if len(f) != 6 {
			return Job{}, fmt.Errorf("%w: usage: juice <exe> <num_juices> <prefix> <dest> <delete_input>", ErrBadCommand)
		}
		j.Kind = KindJuice
		switch f[5] {
		case "0":
		case "1":
			j.DeleteInput = true
		default:
			return Job{}, fmt.Errorf("%w: delete_input must be 0 or 1", ErrBadCommand)
		}
	default:
		return Job{}, fmt.Errorf("%w: %q", ErrBadCommand, f[0])
	}

	n, err := strconv.Atoi(f[2])
	if err != nil || n <= 0 {
		return Job{}, fmt.Errorf("%w: worker count %q", ErrBadCommand, f[2])
	}
	j.Exe, j.NumWorkers, j.Prefix, j.Dest = f[1], n, f[3], f[4]
	for _, name := range []string{j.Exe, j.Prefix, j.Dest} {
		if !sdfs.ValidName(name) {
			return Job{}, fmt.Errorf("%w: invalid name %q", ErrBadCommand, name)
		}
	}
	return j, nil
}

// Done is the reply sent to the client when the job finishes.
func (j Job) Done() string {
	if j.Kind == KindMaple {
		return "Maple job: (" + j.Command + ") finished!"
	}
	return "Juice job: (" + j.Command + ") finished!"
}

// Mission verbs and handshake replies on the job port.
const (
	verbMapleStart = "maple_start"
	verbJuiceStart = "juice_start"
)

func replyReceived(k Kind) string { return k.String() + "_mission_receive" }
func replyFinished(k Kind) string { return k.String() + "_mission_finished" }
func replyUploaded(k Kind) string { return k.String() + "_mission_uploaded" }

// missionLine is the command that hands m to a worker:
//
//	maple_start <exe> <dest_prefix> <id> <files...>
//	juice_start <exe> <dest> <id> <bucket_prefixes...>
func missionLine(j Job, m *Mission) string {
	verb := verbMapleStart
	if m.Kind == KindJuice {
		verb = verbJuiceStart
	}
	parts := append([]string{verb, j.Exe, j.Dest, strconv.Itoa(m.ID)}, m.Inputs...)
	return strings.Join(parts, " ")
}

// parseMission is the worker-side inverse of missionLine.
func parseMission(line string) (kind Kind, exe, dest string, id int, inputs []string, err error) {
	f := strings.Fields(line)
	if len(f) < 5 {
		return 0, "", "", 0, nil, fmt.Errorf("%w: %q", ErrBadCommand, line)
	}
	switch f[0] {
	case verbMapleStart:
		kind = KindMaple
	case verbJuiceStart:
		kind = KindJuice
	default:
		return 0, "", "", 0, nil, fmt.Errorf("%w: %q", ErrBadCommand, f[0])
	}
	id, err = strconv.Atoi(f[3])
	if err != nil {
		return 0, "", "", 0, nil, fmt.Errorf("%w: mission id %q", ErrBadCommand, f[3])
	}
	return kind, f[1], f[2], id, f[4:], nil
}
