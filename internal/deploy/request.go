package deploy

import "strings"

// Request is a parsed agent message: GetConfigRequest, SetStatusRequest or
// UnknownRequest.
type Request interface {
	isRequest()
}

// GetConfigRequest asks for the job descriptor of an agent.
type GetConfigRequest struct {
	MachineID string
}

// SetStatusRequest reports progress on one package of a task.
type SetStatusRequest struct {
	MachineID string
	TaskID    string
	PackageID string
	Status    string
	Message   string
}

// UnknownRequest is anything that could not be understood. It always
// produces the empty response.
type UnknownRequest struct {
	Action string
	Reason string
}

func (GetConfigRequest) isRequest() {}
func (SetStatusRequest) isRequest() {}
func (UnknownRequest) isRequest()   {}

// Job status values accepted from agents.
const (
	StatusReceived    = "received"
	StatusDownloading = "downloading"
	StatusRunning     = "running"
	StatusSuccess     = "success"
	StatusError       = "error"
)

var validStatuses = map[string]bool{
	StatusReceived:    true,
	StatusDownloading: true,
	StatusRunning:     true,
	StatusSuccess:     true,
	StatusError:       true,
}

// ParseRequest turns loosely typed agent parameters into a Request.
// Unrecognized keys are ignored.
func ParseRequest(params map[string]string) Request {
	action := strings.TrimSpace(params["action"])
	machineID := strings.TrimSpace(params["machineid"])

	switch action {
	case "":
		return UnknownRequest{Reason: "missing action"}
	case "getConfig":
		if machineID == "" {
			return UnknownRequest{Action: action, Reason: "missing machineid"}
		}
		return GetConfigRequest{MachineID: machineID}
	case "setStatus":
		req := SetStatusRequest{
			MachineID: machineID,
			TaskID:    strings.TrimSpace(params["taskid"]),
			PackageID: strings.TrimSpace(params["packageid"]),
			Status:    strings.TrimSpace(params["status"]),
			Message:   params["msg"],
		}
		if req.MachineID == "" || req.TaskID == "" || req.PackageID == "" {
			return UnknownRequest{Action: action, Reason: "missing identifiers"}
		}
		if !validStatuses[req.Status] {
			return UnknownRequest{Action: action, Reason: "invalid status"}
		}
		return req
	default:
		return UnknownRequest{Action: action, Reason: "unsupported action"}
	}
}
