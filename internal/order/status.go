package order

// Status is the lifecycle state of an order. Transitions are monotonic per
// order: every mutation goes through a compare-and-set on the previous
// status, so an event arriving out of order loses the CAS instead of
// rewinding history.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAuthorizing     Status = "authorizing"
	StatusProcessing      Status = "processing"
	StatusShipped         Status = "shipped"
	StatusDelivered       Status = "delivered"
	StatusCancelled       Status = "cancelled"
	StatusRefundRequested Status = "refund_requested"
	StatusRefunded        Status = "refunded"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAuthorizing, StatusProcessing, StatusShipped,
		StatusDelivered, StatusCancelled, StatusRefundRequested, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s. Once an
// order is cancelled or refunded nothing can resurrect it.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusRefunded
}

// RefundEligible reports whether an order in this status may enter
// refund_requested. Pending, authorizing and terminal orders are not
// eligible.
func (s Status) RefundEligible() bool {
	switch s {
	case StatusProcessing, StatusShipped, StatusDelivered:
		return true
	}
	return false
}
