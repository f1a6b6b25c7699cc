package control

import (
	"strconv"
	"time"

	"github.com/dense-identity/securecall/internal/call"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CallInfo is the client-side view of a call attempt.
type CallInfo struct {
	ID          string
	Role        string
	Remote      string
	State       string
	Outcome     string
	SessionID   int64
	SAS         string
	SASVerified bool
	Muted       bool
	CreatedAt   time.Time
}

func infoToStruct(info call.Info) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(map[string]any{
		"id":          info.ID,
		"role":        info.Role,
		"remote":      info.Remote,
		"state":       info.State.String(),
		"outcome":     info.Outcome.String(),
		"sessionId":   formatSessionID(info.SessionID),
		"sas":         info.SAS.Value,
		"sasVerified": info.SAS.Verified,
		"muted":       info.Muted,
		"createdAt":   info.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode call info: %v", err)
	}
	return st, nil
}

func structToInfo(st *structpb.Struct) CallInfo {
	fields := st.GetFields()
	info := CallInfo{
		ID:          fields["id"].GetStringValue(),
		Role:        fields["role"].GetStringValue(),
		Remote:      fields["remote"].GetStringValue(),
		State:       fields["state"].GetStringValue(),
		Outcome:     fields["outcome"].GetStringValue(),
		SAS:         fields["sas"].GetStringValue(),
		SASVerified: fields["sasVerified"].GetBoolValue(),
		Muted:       fields["muted"].GetBoolValue(),
	}
	if id, err := parseSessionID(fields["sessionId"]); err == nil {
		info.SessionID = id
	}
	if created, err := time.Parse(time.RFC3339Nano, fields["createdAt"].GetStringValue()); err == nil {
		info.CreatedAt = created
	}
	return info
}

// Session ids travel as decimal strings; a struct number is a float64 and
// loses precision above 2^53.
func formatSessionID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseSessionID(v *structpb.Value) (int64, error) {
	return strconv.ParseInt(v.GetStringValue(), 10, 64)
}
