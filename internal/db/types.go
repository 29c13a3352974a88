package db

const (
	DISTRIBUTION_STATUS_SCHEDULED = "scheduled"
	DISTRIBUTION_STATUS_PAID      = "paid"
)
