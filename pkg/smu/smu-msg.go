// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file holds the firmware message catalog, response codes and feature bits.
package smu

import "fmt"

// MessageID identifies one firmware operation. Parameters and return arguments are
// untyped 32-bit words whose meaning is message specific.
type MessageID uint32

// Firmware message catalog
const (
	MSG_TEST_MESSAGE                  MessageID = 0x01
	MSG_GET_SMU_VERSION               MessageID = 0x02
	MSG_GFX_DEVICE_DRIVER_RESET       MessageID = 0x03
	MSG_GET_DRIVER_IF_VERSION         MessageID = 0x04
	MSG_ENABLE_ALL_SMU_FEATURES       MessageID = 0x05
	MSG_REQUEST_I2C_TRANSACTION       MessageID = 0x07
	MSG_GET_METRICS_VERSION           MessageID = 0x08
	MSG_GET_METRICS_TABLE             MessageID = 0x09
	MSG_GET_ECC_INFO_TABLE            MessageID = 0x0A
	MSG_GET_ENABLED_SMU_FEATURES_LOW  MessageID = 0x0B
	MSG_GET_ENABLED_SMU_FEATURES_HIGH MessageID = 0x0C
	MSG_SET_DRIVER_DRAM_ADDR_HIGH     MessageID = 0x0D
	MSG_SET_DRIVER_DRAM_ADDR_LOW      MessageID = 0x0E
	MSG_SET_TOOLS_DRAM_ADDR_HIGH      MessageID = 0x0F
	MSG_SET_TOOLS_DRAM_ADDR_LOW       MessageID = 0x10
	MSG_SET_SOFT_MIN_BY_FREQ          MessageID = 0x13
	MSG_SET_SOFT_MAX_BY_FREQ          MessageID = 0x14
	MSG_GET_MIN_DPM_FREQ              MessageID = 0x15
	MSG_GET_MAX_DPM_FREQ              MessageID = 0x16
	MSG_GET_DPM_FREQ_BY_INDEX         MessageID = 0x17
	MSG_SET_PPT_LIMIT                 MessageID = 0x18
	MSG_GET_PPT_LIMIT                 MessageID = 0x19
	MSG_PREPARE_FOR_DRIVER_UNLOAD     MessageID = 0x1F
	MSG_QUERY_VALID_MCA_COUNT         MessageID = 0x21
	MSG_MCA_BANK_DUMP_DW              MessageID = 0x22
	MSG_CLEAR_MCA_ON_READ             MessageID = 0x24
	MSG_QUERY_VALID_MCA_CE_COUNT      MessageID = 0x25
	MSG_MCA_BANK_CE_DUMP_DW           MessageID = 0x26
	MSG_SELECT_PLPD_MODE              MessageID = 0x27
	MSG_RMA_DUE_TO_BAD_PAGE_THRESHOLD MessageID = 0x2B
	MSG_SELECT_PSTATE_POLICY          MessageID = 0x2C
	MSG_TRIGGER_VF_FLR                MessageID = 0x2D
)

var messageNames = map[MessageID]string{
	MSG_TEST_MESSAGE:                  "TestMessage",
	MSG_GET_SMU_VERSION:               "GetSmuVersion",
	MSG_GFX_DEVICE_DRIVER_RESET:       "GfxDeviceDriverReset",
	MSG_GET_DRIVER_IF_VERSION:         "GetDriverIfVersion",
	MSG_ENABLE_ALL_SMU_FEATURES:       "EnableAllSmuFeatures",
	MSG_REQUEST_I2C_TRANSACTION:       "RequestI2cTransaction",
	MSG_GET_METRICS_VERSION:           "GetMetricsVersion",
	MSG_GET_METRICS_TABLE:             "GetMetricsTable",
	MSG_GET_ECC_INFO_TABLE:            "GetEccInfoTable",
	MSG_GET_ENABLED_SMU_FEATURES_LOW:  "GetEnabledSmuFeaturesLow",
	MSG_GET_ENABLED_SMU_FEATURES_HIGH: "GetEnabledSmuFeaturesHigh",
	MSG_SET_DRIVER_DRAM_ADDR_HIGH:     "SetDriverDramAddrHigh",
	MSG_SET_DRIVER_DRAM_ADDR_LOW:      "SetDriverDramAddrLow",
	MSG_SET_TOOLS_DRAM_ADDR_HIGH:      "SetToolsDramAddrHigh",
	MSG_SET_TOOLS_DRAM_ADDR_LOW:       "SetToolsDramAddrLow",
	MSG_SET_SOFT_MIN_BY_FREQ:          "SetSoftMinByFreq",
	MSG_SET_SOFT_MAX_BY_FREQ:          "SetSoftMaxByFreq",
	MSG_GET_MIN_DPM_FREQ:              "GetMinDpmFreq",
	MSG_GET_MAX_DPM_FREQ:              "GetMaxDpmFreq",
	MSG_GET_DPM_FREQ_BY_INDEX:         "GetDpmFreqByIndex",
	MSG_SET_PPT_LIMIT:                 "SetPptLimit",
	MSG_GET_PPT_LIMIT:                 "GetPptLimit",
	MSG_PREPARE_FOR_DRIVER_UNLOAD:     "PrepareForDriverUnload",
	MSG_QUERY_VALID_MCA_COUNT:         "QueryValidMcaCount",
	MSG_MCA_BANK_DUMP_DW:              "McaBankDumpDW",
	MSG_CLEAR_MCA_ON_READ:             "ClearMcaOnRead",
	MSG_QUERY_VALID_MCA_CE_COUNT:      "QueryValidMcaCeCount",
	MSG_MCA_BANK_CE_DUMP_DW:           "McaBankCeDumpDW",
	MSG_SELECT_PLPD_MODE:              "SelectPLPDMode",
	MSG_RMA_DUE_TO_BAD_PAGE_THRESHOLD: "RmaDueToBadPageThreshold",
	MSG_SELECT_PSTATE_POLICY:          "SelectPstatePolicy",
	MSG_TRIGGER_VF_FLR:                "TriggerVfFlr",
}

func (m MessageID) String() string {
	if name, ok := messageNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Msg(0x%X)", uint32(m))
}

// Messages that may still be sent after an uncorrectable error raised the sync flood flag.
// Only RAS queries and the reset family are safe once the device is in that state.
var syncFloodAllowList = map[MessageID]bool{
	MSG_QUERY_VALID_MCA_COUNT:    true,
	MSG_MCA_BANK_DUMP_DW:         true,
	MSG_CLEAR_MCA_ON_READ:        true,
	MSG_QUERY_VALID_MCA_CE_COUNT: true,
	MSG_MCA_BANK_CE_DUMP_DW:      true,
	MSG_GET_ECC_INFO_TABLE:       true,
	MSG_GFX_DEVICE_DRIVER_RESET:  true,
}

// AllowedInSyncFlood reports whether m bypasses the fatal-error gate.
func (m MessageID) AllowedInSyncFlood() bool {
	return syncFloodAllowList[m]
}

// Message is one request: an id plus its parameter word.
type Message struct {
	ID    MessageID
	Param uint32
}

// Mailbox response codes. RESP_NONE is the idle value the driver leaves in the
// response register between requests.
const (
	RESP_NONE           uint32 = 0x00
	RESP_OK             uint32 = 0x01
	RESP_CMD_DEBUG_END  uint32 = 0xFB
	RESP_CMD_BUSY_OTHER uint32 = 0xFC
	RESP_CMD_BAD_PREREQ uint32 = 0xFD
	RESP_CMD_UNKNOWN    uint32 = 0xFE
	RESP_CMD_FAIL       uint32 = 0xFF
)

var respNames = map[uint32]string{
	RESP_NONE:           "None",
	RESP_OK:             "OK",
	RESP_CMD_DEBUG_END:  "Debug End",
	RESP_CMD_BUSY_OTHER: "Busy Other",
	RESP_CMD_BAD_PREREQ: "Bad Prerequisite",
	RESP_CMD_UNKNOWN:    "Unknown Command",
	RESP_CMD_FAIL:       "Command Failed",
}

// RespString returns a readable name of a response code
func RespString(code uint32) string {
	if name, ok := respNames[code]; ok {
		return name
	}
	return fmt.Sprintf("Resp(0x%X)", code)
}

// Firmware feature bits, as reported by the GetEnabledSmuFeatures pair
const (
	FEATURE_DATA_CALCULATION      = 0
	FEATURE_DPM_CCLK              = 1
	FEATURE_DPM_FCLK              = 2
	FEATURE_DPM_GFXCLK            = 3
	FEATURE_DPM_LCLK              = 4
	FEATURE_DPM_SOCCLK            = 5
	FEATURE_DPM_UCLK              = 6
	FEATURE_DPM_VCN               = 7
	FEATURE_DPM_XGMI              = 8
	FEATURE_DS_GFXCLK             = 9
	FEATURE_DS_SOCCLK             = 10
	FEATURE_DS_LCLK               = 11
	FEATURE_PPT                   = 12
	FEATURE_TDC                   = 13
	FEATURE_APCC_DFLL             = 14
	FEATURE_FW_CTF                = 20
	FEATURE_THERMAL               = 21
	FEATURE_SOC_PCC               = 24
	FEATURE_XGMI_PER_LINK_PWR_DWN = 31
	FEATURE_DF_CSTATE             = 32
	FEATURE_PCC                   = 33

	FEATURE_COUNT = 64
)

// Firmware versions (program<<24 | major<<16 | minor<<8 | patch) that gate behavior
const (
	DPM_DEFAULTS_GEN2_FW_VERSION = 0x00555600
	PLPD_MIN_FW_VERSION          = 0x00556F00
	PCIE_BW_MBPS_MIN_FW_VERSION  = 0x00557900
	RMA_MIN_FW_VERSION           = 0x00558200
)

// ChipVariant selects metric groups that only exist on some parts of the family
type ChipVariant int

const (
	CHIP_VARIANT_DISCRETE ChipVariant = iota
	CHIP_VARIANT_APU
)

func (c ChipVariant) String() string {
	switch c {
	case CHIP_VARIANT_DISCRETE:
		return "discrete"
	case CHIP_VARIANT_APU:
		return "apu"
	}
	return fmt.Sprintf("ChipVariant(%d)", int(c))
}

// ParseChipVariant converts a configuration string into a ChipVariant
func ParseChipVariant(s string) (ChipVariant, error) {
	switch s {
	case "", "discrete":
		return CHIP_VARIANT_DISCRETE, nil
	case "apu":
		return CHIP_VARIANT_APU, nil
	}
	return 0, fmt.Errorf("unknown chip variant %q: %w", s, ErrInvalidArgument)
}
