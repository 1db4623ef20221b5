package dap

// cmd is a CMSIS-DAP command byte, per the Arm CMSIS-DAP command reference.
type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdSetHostStatus      cmd = 0x01
	cmdConnect            cmd = 0x02
	cmdDisconnect         cmd = 0x03
	cmdTransferConfigure  cmd = 0x04
	cmdTransfer           cmd = 0x05
	cmdTransferBlock      cmd = 0x06
	cmdTransferAbort      cmd = 0x07
	cmdWriteAbort         cmd = 0x08
	cmdDelay              cmd = 0x09
	cmdResetTarget        cmd = 0x0a
	cmdSWJPins            cmd = 0x10
	cmdSWJClock           cmd = 0x11
	cmdSWJSequence        cmd = 0x12
	cmdSWDConfigure       cmd = 0x13
)
