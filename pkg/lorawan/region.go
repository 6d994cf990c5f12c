package lorawan

// RegionConfiguration is a pure lookup table of regional radio
// parameters (§1: "supplied as a pure lookup module" — the engine
// never computes duty-cycle or channel-plan policy itself).
type RegionConfiguration struct {
	Name                string
	DefaultChannels     []Channel
	DataRates           []DataRate
	MaxPayloadSizePerDR map[int]int
	RX1DROffsetTable    map[int]map[int]int
	DefaultRX2DR        int
	DefaultRX2Freq      uint32
}

// Channel is one default uplink channel of a region.
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate describes one entry of a region's data-rate table.
type DataRate struct {
	SpreadFactor int
	Bandwidth    int
}

// GetRegionConfiguration looks up a region by name, falling back to
// EU868 for anything unrecognized.
func GetRegionConfiguration(region string) *RegionConfiguration {
	switch region {
	case "EU868":
		return &EU868Configuration
	case "US915":
		return &US915Configuration
	case "CN470":
		return &CN470Configuration
	default:
		return &EU868Configuration
	}
}

// EU868Configuration covers the EU 863-870MHz band's three default
// join channels.
var EU868Configuration = RegionConfiguration{
	Name: "EU868",
	DefaultChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
		{SpreadFactor: 7, Bandwidth: 250},  // DR6
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 242, 5: 242, 6: 242,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 0, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		1: {0: 1, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		2: {0: 2, 1: 1, 2: 0, 3: 0, 4: 0, 5: 0},
		3: {0: 3, 1: 2, 2: 1, 3: 0, 4: 0, 5: 0},
		4: {0: 4, 1: 3, 2: 2, 3: 1, 4: 0, 5: 0},
		5: {0: 5, 1: 4, 2: 3, 3: 2, 4: 1, 5: 0},
	},
	DefaultRX2DR:   0,
	DefaultRX2Freq: 869525000,
}

// US915Configuration covers the US 902-928MHz band. The 64+8 channel
// hopping plan is a gateway/network-plan concern outside the engine's
// scope; only the data-rate and RX2 defaults are carried.
var US915Configuration = RegionConfiguration{
	Name: "US915",
	DataRates: []DataRate{
		{SpreadFactor: 10, Bandwidth: 125}, // DR0
		{SpreadFactor: 9, Bandwidth: 125},  // DR1
		{SpreadFactor: 8, Bandwidth: 125},  // DR2
		{SpreadFactor: 7, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 500},  // DR4
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 11, 1: 53, 2: 125, 3: 242, 4: 242,
	},
	DefaultRX2DR:   8,
	DefaultRX2Freq: 923300000,
}

// CN470Configuration covers the China 470-490MHz band's default
// 16-channel sub-block. FDD/TDD hardware mode selection is a gateway
// radio-capability concern, not part of this lookup table.
var CN470Configuration = RegionConfiguration{
	Name:            "CN470",
	DefaultChannels: cn470DefaultChannels(),
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 0, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		1: {0: 1, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		2: {0: 2, 1: 1, 2: 0, 3: 0, 4: 0, 5: 0},
		3: {0: 3, 1: 2, 2: 1, 3: 0, 4: 0, 5: 0},
		4: {0: 4, 1: 3, 2: 2, 3: 1, 4: 0, 5: 0},
		5: {0: 5, 1: 4, 2: 3, 3: 2, 4: 1, 5: 0},
	},
	DefaultRX2DR:   0,
	DefaultRX2Freq: 505300000,
}

func cn470DefaultChannels() []Channel {
	channels := make([]Channel, 16)
	baseFreq := uint32(470300000)
	for i := range channels {
		channels[i] = Channel{
			Frequency: baseFreq + uint32(i)*200000,
			MinDR:     0,
			MaxDR:     5,
		}
	}
	return channels
}

// RX1DataRate returns the data rate to use on the RX1 window given the
// uplink's data rate and the device's RX1DROffset, falling back to a
// simple subtraction when the region has no explicit offset table.
func (r *RegionConfiguration) RX1DataRate(uplinkDR, rx1DROffset uint8) uint8 {
	if drMap, ok := r.RX1DROffsetTable[int(uplinkDR)]; ok {
		if dr, ok := drMap[int(rx1DROffset)]; ok {
			return uint8(dr)
		}
	}
	dr := int(uplinkDR) - int(rx1DROffset)
	if dr < 0 {
		dr = 0
	}
	return uint8(dr)
}
