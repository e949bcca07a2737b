// Custodian enforces data retention and subject rights for an e-commerce
// platform.
//
// It tiers, archives and purges cart sessions, orders and audit records on
// a schedule, and serves subject access and erasure requests over HTTP.
//
// Usage:
//
//	# Start the API server and the retention scheduler
//	custodian serve --config /etc/custodian/config.yaml
//
//	# Run the daily retention cadence once
//	custodian cleanup daily
//
//	# Show retention statistics as CSV
//	custodian stats --output csv
//
//	# Export a subject's data
//	custodian export --subject cust_42 --format flat > cust_42.csv
package main

func main() {
	Execute()
}
