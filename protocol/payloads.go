package protocol

import "time"

// Payload types for the topics named in the registry (§4.2) and the
// external wire contract (§6). These are the concrete shapes carried in an
// Envelope's Data field for each topic key.

// SensorTrigger is carried on sensor.trigger.
type SensorTrigger struct {
	Direction string `json:"direction"`
}

// VisionHeightRequest is carried on vision.height.request.
type VisionHeightRequest struct {
	TaskID    string `json:"taskId"`
	Direction string `json:"direction"`
}

// VisionHeightResult is carried on vision.height.result.
type VisionHeightResult struct {
	MinHeight float64   `json:"minHeight"`
	Timestamp time.Time `json:"timestamp"`
}

// DetectedObject is one entry of a VisionDetection's DetectedObjects.
type DetectedObject struct {
	Type       string  `json:"type"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Content    string  `json:"content,omitempty"`
}

// VisionDetection is carried on vision.detection.
type VisionDetection struct {
	TaskID         string           `json:"taskId"`
	DetectedObjects []DetectedObject `json:"detectedObjects"`
	Timestamp      time.Time        `json:"timestamp"`
}

// MotionMove is carried on motion.move.
type MotionMove struct {
	TaskID     string  `json:"taskId"`
	PositionMM float64 `json:"positionMm"`
	Speed      *int    `json:"speed,omitempty"`
}

// MotionComplete is carried on motion.complete.
type MotionComplete struct {
	TaskID        string    `json:"taskId"`
	FinalPosition int64     `json:"finalPosition"`
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`
}

// MotionPosition is carried on motion.position.
type MotionPosition struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         float64   `json:"z"`
	Timestamp time.Time `json:"timestamp"`
}

// CoderStart is carried on coder.start.
type CoderStart struct {
	Direction   string  `json:"direction"`
	StackHeight float64 `json:"stackHeight"`
}

// CoderResult is carried on coder.result.
type CoderResult struct {
	TaskID     string    `json:"taskId"`
	Code       string    `json:"code"`
	CodeType   string    `json:"codeType"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// CoderComplete is carried on coder.complete.
type CoderComplete struct {
	Direction    string    `json:"direction"`
	StackHeight  float64   `json:"stackHeight"`
	Codes        []string  `json:"codes"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// OrderNew is carried on order.new.
type OrderNew struct {
	OrderID string `json:"orderId"`
}

// CoderOdoo is the business event published once a task completes.
type CoderOdoo struct {
	OrderID     string    `json:"orderId"`
	Codes       []string  `json:"codes"`
	Direction   string    `json:"direction"`
	StackHeight float64   `json:"stackHeight"`
	Timestamp   time.Time `json:"timestamp"`
}

// Heartbeat is carried on status.heartbeat.
type Heartbeat struct {
	Source     string                 `json:"source"`
	Timestamp  time.Time              `json:"timestamp"`
	Additional map[string]interface{} `json:"additional,omitempty"`
}
