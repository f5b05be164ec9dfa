package models

import "time"

// WakeConfig holds Wake-on-LAN configuration for the remote host.
type WakeConfig struct {
	MACAddress    string `arg:"wake.mac_address" validate:"required,mac"`
	BroadcastIP   string `arg:"wake.broadcast_ip" validate:"omitempty,ip"`
	Timeout       time.Duration // max time to wait for the SSH port
	PollInterval  time.Duration // how often to dial the SSH port
	StabilizeWait time.Duration // wait after the port accepts connections
}

// WakeResult holds the result of a Wake-on-LAN operation.
type WakeResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
