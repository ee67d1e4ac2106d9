// Globals for the BST agent

package bsta

var (
	GlobalBstaConfig       *BstaConfig
	GlobalAgent            *Agent
	GlobalHttpEndpointPool *HttpEndpointPool
	GlobalCollectorPool    *CollectorPool
	GlobalReportSink       ReportSink
	GlobalScheduler        *Scheduler
	GlobalRestServer       *RestServer
)
