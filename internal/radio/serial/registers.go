package serial

// Register and function addresses of the transceiver.
const (
	regWhoAmI      = 0x00
	regFirmwareVer = 0x01
	regErrorCode   = 0x04
	regIntStatus   = 0x05
	regNetworkID   = 0x1A
	regPosX        = 0x30
	regEulHeading  = 0x5A // int16, 1/16 degree

	regDeviceListSize = 0x81
	regRxNetworkID    = 0x82 // 2 bytes sender id, then 1 byte length

	fnResetSys           = 0xB0
	fnTxData             = 0xB2
	fnTxSend             = 0xB3
	fnRxData             = 0xB4
	fnDoRanging          = 0xB5
	fnDoPositioning      = 0xB6
	fnDevicesGetIDs      = 0xC0
	fnDevicesDiscover    = 0xC1
	fnDevicesClear       = 0xC3
	fnDeviceAdd          = 0xC4
	fnDeviceGetRangeInfo = 0xC7
)

// Interrupt status bits. Reading the register clears them.
const (
	intError  = 0x01
	intPos    = 0x02
	intRxData = 0x08
	intFunc   = 0x10
)

const (
	// statusSuccess is the first byte of a successful function response.
	statusSuccess = 0x01

	// txOptionData sends the TX buffer as a data frame.
	txOptionData = 0x06

	// deviceFlagAnchor marks an entry added to the device list as an anchor.
	deviceFlagAnchor = 0x01

	// discoverySlots and discoverySlotMs size the discovery window.
	discoverySlots  = 3
	discoverySlotMs = 10

	// whoAmI is the expected identification byte.
	whoAmI = 0x43
)

// USB identifiers of the transceiver's serial bridge.
const (
	usbVID = "0483"
	usbPID = "5740"
)
