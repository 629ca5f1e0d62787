package syncpt

// Opcode identifies a host command understood by the pushbuffer unit.
type Opcode uint32

// Host command opcodes.
const (
	OpNop Opcode = iota
	OpSyncptWait
	OpSyncptIncr
	OpWFI
)

const (
	opShift = 28
	idMask  = 1<<opShift - 1

	// CmdWords is the size of every encoded command.
	CmdWords = 2

	// WaitCmdWords is the size of a wait command block.
	WaitCmdWords = CmdWords

	// IncrCmdWords is the size of an increment command block without a
	// wait-for-idle.
	IncrCmdWords = CmdWords

	// IncrWFICmdWords is the size of an increment command block preceded by
	// a wait-for-idle.
	IncrWFICmdWords = 2 * CmdWords
)

func (o Opcode) String() string {
	switch o {
	case OpNop:
		return "nop"
	case OpSyncptWait:
		return "syncpt_wait"
	case OpSyncptIncr:
		return "syncpt_incr"
	case OpWFI:
		return "wfi"
	default:
		return "unknown"
	}
}

// Cmd is one decoded host command.
type Cmd struct {
	Op    Opcode
	ID    uint32
	Value uint32
}

// Encode returns the two words of the command.
func (c Cmd) Encode() []uint32 {
	return []uint32{uint32(c.Op)<<opShift | c.ID&idMask, c.Value}
}

// Decode splits a command block into commands. A trailing partial command
// is ignored.
func Decode(words []uint32) []Cmd {
	cmds := make([]Cmd, 0, len(words)/CmdWords)
	for i := 0; i+CmdWords <= len(words); i += CmdWords {
		cmds = append(cmds, Cmd{
			Op:    Opcode(words[i] >> opShift),
			ID:    words[i] & idMask,
			Value: words[i+1],
		})
	}

	return cmds
}
