package flowpipe

import "testing"

func TestSignalsInitialized(t *testing.T) {
	signals := []struct {
		name   string
		signal any
	}{
		{"ConnectorConnected", SignalConnectorConnected},
		{"ConnectorDisconnected", SignalConnectorDisconnected},
		{"ConnectorQueueFull", SignalConnectorQueueFull},
		{"WorkerPoolStarted", SignalWorkerPoolStarted},
		{"WorkerPoolAcquired", SignalWorkerPoolAcquired},
		{"WorkerPoolReleased", SignalWorkerPoolReleased},
		{"WorkerPoolFinished", SignalWorkerPoolFinished},
		{"WorkerPoolKilled", SignalWorkerPoolKilled},
		{"WorkerPoolPanicked", SignalWorkerPoolPanicked},
		{"NodeValidated", SignalNodeValidated},
		{"NodeFinished", SignalNodeFinished},
		{"PipelineValidated", SignalPipelineValidated},
		{"PipelineStarted", SignalPipelineStarted},
		{"PipelineJoined", SignalPipelineJoined},
		{"PipelineKilled", SignalPipelineKilled},
	}

	for _, s := range signals {
		if s.signal == "" {
			t.Errorf("signal %s is empty", s.name)
		}
	}
}

func TestFieldKeysInitialized(t *testing.T) {
	fields := []struct {
		name string
		key  any
	}{
		{"Name", FieldName},
		{"ID", FieldID},
		{"Error", FieldError},
		{"Timestamp", FieldTimestamp},
		{"Partner", FieldPartner},
		{"MaxSize", FieldMaxSize},
		{"QueueLen", FieldQueueLen},
		{"WorkerCount", FieldWorkerCount},
		{"ActiveWorkers", FieldActiveWorkers},
		{"WorkerIndex", FieldWorkerIndex},
		{"NodeCount", FieldNodeCount},
	}

	for _, f := range fields {
		if f.key == nil {
			t.Errorf("field key %s is nil", f.name)
		}
	}
}
