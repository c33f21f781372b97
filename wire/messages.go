package wire

import "encoding/json"

// jsonPayload is not used by the messages below: each implements the
// Encode/Decode half of Payload via JSON itself (encodeJSON and
// json.Unmarshal). The
// real wire schema is an external, fixed protobuf definition (spec.md §6);
// this repository only needs a payload that reliably round-trips for every
// concrete message below, so JSON stands in for the generated protobuf
// marshaling without pretending to be that schema.
type jsonPayload struct {
	self interface{}
}

func encodeJSON(v interface{}, buf []byte) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(buf, b...), nil
}

// --- Application-service call setup (spec.md §4.3, §6) ---

type CallIdentityApplicationServiceRequest struct {
	CallerPublicKey []byte
	CalleeID        []byte
	ServiceName     string
}

func (m *CallIdentityApplicationServiceRequest) Name() string { return "CallIdentityApplicationServiceRequest" }
func (m *CallIdentityApplicationServiceRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *CallIdentityApplicationServiceRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type CallIdentityApplicationServiceResponse struct {
	Status      Status
	CallerToken string // UUID, present only on Ok
}

func (m *CallIdentityApplicationServiceResponse) Name() string { return "CallIdentityApplicationServiceResponse" }
func (m *CallIdentityApplicationServiceResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *CallIdentityApplicationServiceResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

type IncomingCallNotificationRequest struct {
	CallerPublicKey []byte
	ServiceName     string
}

func (m *IncomingCallNotificationRequest) Name() string { return "IncomingCallNotificationRequest" }
func (m *IncomingCallNotificationRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *IncomingCallNotificationRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type IncomingCallNotificationResponse struct {
	Status Status
}

func (m *IncomingCallNotificationResponse) Name() string { return "IncomingCallNotificationResponse" }
func (m *IncomingCallNotificationResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *IncomingCallNotificationResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

// --- Application-service port messages (spec.md §4.3, §6) ---

type ApplicationServiceSendMessageRequest struct {
	Token   string // CallerToken or CalleeToken
	Message []byte
}

func (m *ApplicationServiceSendMessageRequest) Name() string { return "ApplicationServiceSendMessageRequest" }
func (m *ApplicationServiceSendMessageRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *ApplicationServiceSendMessageRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type ApplicationServiceSendMessageResponse struct {
	Status Status
}

func (m *ApplicationServiceSendMessageResponse) Name() string { return "ApplicationServiceSendMessageResponse" }
func (m *ApplicationServiceSendMessageResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *ApplicationServiceSendMessageResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

type ApplicationServiceReceiveMessageNotificationRequest struct {
	Message []byte
}

func (m *ApplicationServiceReceiveMessageNotificationRequest) Name() string {
	return "ApplicationServiceReceiveMessageNotificationRequest"
}
func (m *ApplicationServiceReceiveMessageNotificationRequest) Encode(buf []byte) ([]byte, error) {
	return encodeJSON(m, buf)
}
func (m *ApplicationServiceReceiveMessageNotificationRequest) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}

type ApplicationServiceReceiveMessageNotificationResponse struct {
	Status Status
}

func (m *ApplicationServiceReceiveMessageNotificationResponse) Name() string {
	return "ApplicationServiceReceiveMessageNotificationResponse"
}
func (m *ApplicationServiceReceiveMessageNotificationResponse) Encode(buf []byte) ([]byte, error) {
	return encodeJSON(m, buf)
}
func (m *ApplicationServiceReceiveMessageNotificationResponse) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}

// --- Neighbor-interface port messages (spec.md §4.4, §4.5, §6) ---

type StartNeighborhoodInitializationRequest struct {
	PrimaryPort     int
	NeighborPort    int
	CallerPublicKey []byte
}

func (m *StartNeighborhoodInitializationRequest) Name() string { return "StartNeighborhoodInitializationRequest" }
func (m *StartNeighborhoodInitializationRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *StartNeighborhoodInitializationRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type StartNeighborhoodInitializationResponse struct {
	Status Status
}

func (m *StartNeighborhoodInitializationResponse) Name() string { return "StartNeighborhoodInitializationResponse" }
func (m *StartNeighborhoodInitializationResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *StartNeighborhoodInitializationResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

type FinishNeighborhoodInitializationRequest struct{}

func (m *FinishNeighborhoodInitializationRequest) Name() string { return "FinishNeighborhoodInitializationRequest" }
func (m *FinishNeighborhoodInitializationRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *FinishNeighborhoodInitializationRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type FinishNeighborhoodInitializationResponse struct {
	Status Status
}

func (m *FinishNeighborhoodInitializationResponse) Name() string { return "FinishNeighborhoodInitializationResponse" }
func (m *FinishNeighborhoodInitializationResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *FinishNeighborhoodInitializationResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

// StopNeighborhoodUpdatesRequest tells the recipient the sender is tearing
// down the neighbor relationship. ServerPublicKey identifies the sender
// since the neighbor-interface port's mutual identity verification
// (spec.md §6) is an external transport-layer concern this package does
// not implement; carrying the sender's public key here keeps the
// connection's identity explicit without assuming a specific transport.
type StopNeighborhoodUpdatesRequest struct {
	ServerPublicKey []byte
}

func (m *StopNeighborhoodUpdatesRequest) Name() string { return "StopNeighborhoodUpdatesRequest" }
func (m *StopNeighborhoodUpdatesRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *StopNeighborhoodUpdatesRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type StopNeighborhoodUpdatesResponse struct {
	Status Status
}

func (m *StopNeighborhoodUpdatesResponse) Name() string { return "StopNeighborhoodUpdatesResponse" }
func (m *StopNeighborhoodUpdatesResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *StopNeighborhoodUpdatesResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

// SharedProfileOp is the per-item operation inside a
// NeighborhoodSharedProfileUpdate batch (spec.md §4.1, §4.5).
type SharedProfileOp int

const (
	OpAdd SharedProfileOp = iota
	OpChange
	OpDelete
	OpRefresh
)

// SharedProfileItem is one item of a NeighborhoodSharedProfileUpdate batch.
type SharedProfileItem struct {
	Op         SharedProfileOp
	IdentityID []byte
	PublicKey  []byte // set on Add

	// Wire fields for Add/Change, mirroring identity.Profile.
	Version            [3]uint16
	Name               string
	Type               string
	Latitude           int32
	Longitude          int32
	ExtraData          string
	ProfileImageHash   []byte
	ThumbnailImageHash []byte
	ProfileImageBytes  []byte
	ThumbnailImageBytes []byte
	Signature          []byte

	// SetName/SetType/... mark which fields a Change item reports as
	// changed. Every item still carries the full current record, and the
	// neighbor interface stores that record whole without reading the flags.
	SetName, SetType, SetLocation, SetExtraData, SetProfileImage, SetThumbnailImage, SetVersion, SetNoPropagation bool
	NoPropagation bool
}

// NeighborhoodSharedProfileUpdateRequest carries one batch of Add, Change,
// Delete, or Refresh items (spec.md §4.1, §4.5). ServerPublicKey identifies
// the sending neighbor/follower for the same reason documented on
// StopNeighborhoodUpdatesRequest.
type NeighborhoodSharedProfileUpdateRequest struct {
	ServerPublicKey []byte
	Items           []SharedProfileItem
}

func (m *NeighborhoodSharedProfileUpdateRequest) Name() string { return "NeighborhoodSharedProfileUpdateRequest" }
func (m *NeighborhoodSharedProfileUpdateRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *NeighborhoodSharedProfileUpdateRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type NeighborhoodSharedProfileUpdateResponse struct {
	Status Status
}

func (m *NeighborhoodSharedProfileUpdateResponse) Name() string { return "NeighborhoodSharedProfileUpdateResponse" }
func (m *NeighborhoodSharedProfileUpdateResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *NeighborhoodSharedProfileUpdateResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

// GetRoleTableRequest asks a peer's primary port which port it serves the
// neighbor-interface role on (spec.md §4.5 AddNeighbor: "falling back to
// asking the peer's primary port for its role table" when no SrNeighborPort
// is cached yet).
type GetRoleTableRequest struct{}

func (m *GetRoleTableRequest) Name() string { return "GetRoleTableRequest" }
func (m *GetRoleTableRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *GetRoleTableRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type GetRoleTableResponse struct {
	Status                Status
	NeighborInterfacePort int
}

func (m *GetRoleTableResponse) Name() string { return "GetRoleTableResponse" }
func (m *GetRoleTableResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *GetRoleTableResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

// --- Profile update / search (spec.md §4.1, §8) ---

type UpdateProfileRequest struct {
	SetVersion, SetName, SetType, SetLocation, SetExtraData bool
	SetProfileImage, SetThumbnailImage, SetNoPropagation    bool
	NoPropagation                                           bool

	Version            [3]uint16
	Name               string
	Type               string
	Latitude           int32
	Longitude          int32
	ExtraData          string
	ProfileImageBytes  []byte
	ThumbnailImageBytes []byte
}

func (m *UpdateProfileRequest) Name() string { return "UpdateProfileRequest" }
func (m *UpdateProfileRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *UpdateProfileRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type UpdateProfileResponse struct {
	Status Status
}

func (m *UpdateProfileResponse) Name() string { return "UpdateProfileResponse" }
func (m *UpdateProfileResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *UpdateProfileResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

type ProfileSearchRequest struct {
	MaxResponseRecordCount int
	MaxTotalRecordCount    int
	IncludeThumbnails      bool
	TypeFilter             string
	NameFilter             string
	ExtraDataFilter        string
	HasLocation            bool
	Latitude, Longitude    int32
	Radius                 int32
}

func (m *ProfileSearchRequest) Name() string { return "ProfileSearchRequest" }
func (m *ProfileSearchRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *ProfileSearchRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

// ProfileSearchRecord is one matching profile in a ProfileSearchResponse. It
// carries thumbnail bytes only when the request's IncludeThumbnails was set
// (spec.md §4.1 search-request rules).
type ProfileSearchRecord struct {
	IdentityID         []byte
	PublicKey          []byte
	Name               string
	Type               string
	Latitude, Longitude int32
	ExtraData          string
	ProfileImageHash   []byte
	ThumbnailImageHash []byte
	ThumbnailImageBytes []byte
}

type ProfileSearchResponse struct {
	Status       Status
	Records      []ProfileSearchRecord
	TotalMatched int
}

func (m *ProfileSearchResponse) Name() string { return "ProfileSearchResponse" }
func (m *ProfileSearchResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *ProfileSearchResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

// --- Relationship cards (spec.md §3, §4.1) ---

type AddRelatedIdentityRequest struct {
	Card          RelationshipCardWire
	Application   ApplicationWire
}

func (m *AddRelatedIdentityRequest) Name() string { return "AddRelatedIdentityRequest" }
func (m *AddRelatedIdentityRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *AddRelatedIdentityRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

// RelationshipCardWire is the wire shape of identity.RelationshipCard.
type RelationshipCardWire struct {
	CardID             []byte
	Version            [3]uint16
	IssuerPublicKey    []byte
	RecipientPublicKey []byte
	Type               string
	ValidFrom          int64
	ValidTo            int64
	IssuerSignature    []byte
}

// ApplicationWire is the wire shape of identity.Application.
type ApplicationWire struct {
	CardID        []byte
	ApplicationID []byte
}

type AddRelatedIdentityResponse struct {
	Status Status
}

func (m *AddRelatedIdentityResponse) Name() string { return "AddRelatedIdentityResponse" }
func (m *AddRelatedIdentityResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *AddRelatedIdentityResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

// --- Location-gossip peer protocol (spec.md §6 "Outbound to
// location-gossip peer") ---

// NeighbourRecord is one peer profile server as reported by the
// location-gossip peer: enough to dial its neighbor-interface port and
// place it geographically. SrNeighborPort is 0 when the gossip peer has
// not resolved it yet, in which case the replication worker's own
// endpoint-cache fallback (spec.md §4.5) resolves it directly.
type NeighbourRecord struct {
	ServerID       []byte
	IPAddress      string
	PrimaryPort    int
	SrNeighborPort int
	Latitude       int32
	Longitude      int32
}

type RegisterServiceRequest struct {
	ServerID     []byte
	PrimaryPort  int
	NeighborPort int
	Latitude     int32
	Longitude    int32
}

func (m *RegisterServiceRequest) Name() string { return "RegisterServiceRequest" }
func (m *RegisterServiceRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *RegisterServiceRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type RegisterServiceResponse struct {
	Status Status
}

func (m *RegisterServiceResponse) Name() string { return "RegisterServiceResponse" }
func (m *RegisterServiceResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *RegisterServiceResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

type DeregisterServiceRequest struct {
	ServerID []byte
}

func (m *DeregisterServiceRequest) Name() string { return "DeregisterServiceRequest" }
func (m *DeregisterServiceRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *DeregisterServiceRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type DeregisterServiceResponse struct {
	Status Status
}

func (m *DeregisterServiceResponse) Name() string { return "DeregisterServiceResponse" }
func (m *DeregisterServiceResponse) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *DeregisterServiceResponse) Decode(data []byte) error { return json.Unmarshal(data, m) }

type GetNeighbourNodesByDistanceRequest struct {
	Latitude  int32
	Longitude int32
	MaxCount  int
}

func (m *GetNeighbourNodesByDistanceRequest) Name() string { return "GetNeighbourNodesByDistanceRequest" }
func (m *GetNeighbourNodesByDistanceRequest) Encode(buf []byte) ([]byte, error) { return encodeJSON(m, buf) }
func (m *GetNeighbourNodesByDistanceRequest) Decode(data []byte) error { return json.Unmarshal(data, m) }

type GetNeighbourNodesByDistanceResponse struct {
	Status      Status
	Neighbours  []NeighbourRecord
}

func (m *GetNeighbourNodesByDistanceResponse) Name() string {
	return "GetNeighbourNodesByDistanceResponse"
}
func (m *GetNeighbourNodesByDistanceResponse) Encode(buf []byte) ([]byte, error) {
	return encodeJSON(m, buf)
}
func (m *GetNeighbourNodesByDistanceResponse) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}

// NeighbourhoodChangedNotificationRequest is unsolicited: the gossip peer
// pushes it whenever neighborhood membership around this server's
// location changes (spec.md §3 "Lifecycle: inserted when gossip layer
// announces a new peer ... deleted on gossip 'removed'").
type NeighbourhoodChangedNotificationRequest struct {
	Added   []NeighbourRecord
	Removed [][]byte // ServerIDs
}

func (m *NeighbourhoodChangedNotificationRequest) Name() string {
	return "NeighbourhoodChangedNotificationRequest"
}
func (m *NeighbourhoodChangedNotificationRequest) Encode(buf []byte) ([]byte, error) {
	return encodeJSON(m, buf)
}
func (m *NeighbourhoodChangedNotificationRequest) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}

type NeighbourhoodChangedNotificationResponse struct {
	Status Status
}

func (m *NeighbourhoodChangedNotificationResponse) Name() string {
	return "NeighbourhoodChangedNotificationResponse"
}
func (m *NeighbourhoodChangedNotificationResponse) Encode(buf []byte) ([]byte, error) {
	return encodeJSON(m, buf)
}
func (m *NeighbourhoodChangedNotificationResponse) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}
