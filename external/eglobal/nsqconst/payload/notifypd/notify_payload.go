package notifypd

type NotifyPayload struct {
	NotifyType string         `json:"notifyType,omitempty"`
	SubType    string         `json:"subType,omitempty"`
	ConvId     string         `json:"convId,omitempty"`
	Sender     string         `json:"sender,omitempty"`
	Members    []string       `json:"members,omitempty"`
	Ts         int64          `json:"ts,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}
