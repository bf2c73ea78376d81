package rpc

// Opcode identifies the operation carried by a request frame's payload
// (spec.md §6, "Protocol opcodes used by the core").
type Opcode int32

const (
	OpSwitchGfmdChannel Opcode = iota + 1
	OpJournalReadyToRecv
	OpJournalSend
	OpRemotePeerAlloc
	OpRemotePeerFree
	OpRemoteRPC
)

func (o Opcode) String() string {
	switch o {
	case OpSwitchGfmdChannel:
		return "SWITCH_GFMD_CHANNEL"
	case OpJournalReadyToRecv:
		return "JOURNAL_READY_TO_RECV"
	case OpJournalSend:
		return "JOURNAL_SEND"
	case OpRemotePeerAlloc:
		return "REMOTE_PEER_ALLOC"
	case OpRemotePeerFree:
		return "REMOTE_PEER_FREE"
	case OpRemoteRPC:
		return "REMOTE_RPC"
	default:
		return "UNKNOWN_OPCODE"
	}
}
