package crm

import (
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/types"
	"github.com/rs/zerolog"
)

// applyCommands drains the CRM command queue (§4.7) against the current
// manager status, attaching sd.Cmd for the per-service state machine to
// consume. Unknown, malformed, or already-satisfied commands are logged
// and dropped rather than attached, and a line identical to the command
// just before it is dropped without a log — this is what gives "migrate
// sid node" issued twice in a row while already on node a single log
// line and no state change (§8 property 8).
func applyCommands(lines []string, status *types.ManagerStatus) {
	logger := log.WithComponent("crm-commands")

	prev := ""
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == prev {
			continue
		}
		prev = line
		fields := strings.Fields(line)
		verb := fields[0]

		switch verb {
		case "migrate", "relocate":
			if len(fields) != 3 {
				logger.Warn().Str("line", line).Msg("malformed command, dropping")
				continue
			}
			applyMoveCommand(status, verb, types.ServiceID(fields[1]), types.Node(fields[2]), logger)

		case "stop":
			if len(fields) != 3 {
				logger.Warn().Str("line", line).Msg("malformed command, dropping")
				continue
			}
			applyStopCommand(status, types.ServiceID(fields[1]), fields[2], logger)

		case "enable-node-maintenance":
			if len(fields) != 2 {
				logger.Warn().Str("line", line).Msg("malformed command, dropping")
				continue
			}
			setMaintenanceRequest(status, types.Node(fields[1]), true)

		case "disable-node-maintenance":
			if len(fields) != 2 {
				logger.Warn().Str("line", line).Msg("malformed command, dropping")
				continue
			}
			setMaintenanceRequest(status, types.Node(fields[1]), false)

		default:
			logger.Warn().Str("line", line).Msg("unrecognized command, dropping")
		}
	}
}

func setMaintenanceRequest(status *types.ManagerStatus, node types.Node, maintenance bool) {
	if status.NodeRequest[node] == nil {
		status.NodeRequest[node] = &types.NodeRequest{}
	}
	status.NodeRequest[node].Maintenance = maintenance
}

// applyMoveCommand attaches a migrate/relocate command to its target
// service, dropping it silently (beyond one log line) when the service
// is unknown or already satisfies the request.
func applyMoveCommand(status *types.ManagerStatus, verb string, sid types.ServiceID, target types.Node, logger zerolog.Logger) {
	sd, ok := status.ServiceStatus[sid]
	if !ok {
		logger.Warn().Str("sid", string(sid)).Msg("command references unknown service, dropping")
		return
	}
	if sd.Node == target {
		logger.Info().Str("sid", string(sid)).Str("node", string(target)).Msg("service already on requested node, ignoring command")
		return
	}
	sd.Cmd = []string{verb, string(target)}
}

// applyStopCommand attaches a stop command with its timeout to its
// target service.
func applyStopCommand(status *types.ManagerStatus, sid types.ServiceID, timeoutStr string, logger zerolog.Logger) {
	sd, ok := status.ServiceStatus[sid]
	if !ok {
		logger.Warn().Str("sid", string(sid)).Msg("command references unknown service, dropping")
		return
	}
	secs, err := strconv.Atoi(timeoutStr)
	if err != nil {
		logger.Warn().Str("sid", string(sid)).Str("timeout", timeoutStr).Msg("invalid stop timeout, dropping")
		return
	}
	sd.Cmd = []string{"stop"}
	sd.Timeout = time.Duration(secs) * time.Second
}
