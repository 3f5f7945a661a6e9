package runner

import (
	"strings"

	"github.com/kestrelrun/nodeagent/pkg/types"
)

// aggregateConsole folds a batch of visible records into a RunResult's
// console fields per the requesting API version: v1 keeps
// stdout/stderr/media/html as separate arrays; v2/v3 emit one ordered
// console list where consecutive stdout or stderr fragments are coalesced
// into a single entry.
func aggregateConsole(result *types.RunResult, records []types.RunRecord, apiVersion int) {
	if apiVersion <= 1 {
		aggregateV1(result, records)
		return
	}
	aggregateV2(result, records)
}

func aggregateV1(result *types.RunResult, records []types.RunRecord) {
	for _, r := range records {
		switch r.Kind {
		case types.MsgStdout:
			result.Stdout = append(result.Stdout, string(r.Payload))
		case types.MsgStderr:
			result.Stderr = append(result.Stderr, string(r.Payload))
		case types.MsgMedia:
			result.Media = append(result.Media, string(r.Payload))
		case types.MsgHTML:
			result.HTML = append(result.HTML, string(r.Payload))
		}
	}
}

func aggregateV2(result *types.RunResult, records []types.RunRecord) {
	var sb strings.Builder
	var coalescing types.MsgKind

	flush := func() {
		if sb.Len() == 0 {
			return
		}
		result.Console = append(result.Console, types.ConsoleItem{Kind: coalescing, Payload: sb.String()})
		sb.Reset()
	}

	for _, r := range records {
		switch r.Kind {
		case types.MsgStdout, types.MsgStderr:
			if coalescing != r.Kind {
				flush()
				coalescing = r.Kind
			}
			sb.Write(r.Payload)
		default:
			flush()
			coalescing = ""
			result.Console = append(result.Console, types.ConsoleItem{Kind: r.Kind, Payload: string(r.Payload)})
		}
	}
	flush()
}
