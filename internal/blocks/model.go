package blocks

import "errors"

// BlockSize is the edge length, in degrees, of one risk block.
const BlockSize = 0.001

var (
	// ErrUnknownDistrict indicates a district name outside the configured list.
	ErrUnknownDistrict = errors.New("blocks: unknown district")
	// ErrDatasetUnavailable indicates the district's dataset could not be read.
	ErrDatasetUnavailable = errors.New("blocks: dataset unavailable")
)

// Color is the risk band assigned by the dataset.
type Color string

const (
	ColorRed    Color = "red"
	ColorYellow Color = "yellow"
	ColorGreen  Color = "green"
)

// District names a gu and the dataset file that covers it.
type District struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
}

// Districts lists the Busan districts with block datasets. The first entry is the default.
var Districts = []District{
	{Name: "연제구", Filename: "yeonjegu_data.csv"},
	{Name: "북구", Filename: "bukgu_data.csv"},
	{Name: "부산진구", Filename: "busanjingu_data.csv"},
	{Name: "동구", Filename: "donggu_data.csv"},
	{Name: "동래구", Filename: "dongnaegu_data.csv"},
	{Name: "금정구", Filename: "geumjeonggu_data.csv"},
	{Name: "기장군", Filename: "gijanggun_data.csv"},
	{Name: "해운대구", Filename: "haeundaegu_data.csv"},
	{Name: "중구", Filename: "junggu_data.csv"},
	{Name: "남구", Filename: "namgu_data.csv"},
	{Name: "사하구", Filename: "sahagu_data.csv"},
	{Name: "사상구", Filename: "sasanggu_data.csv"},
	{Name: "서구", Filename: "seogu_data.csv"},
	{Name: "수영구", Filename: "suyeonggu_data.csv"},
	{Name: "영도구", Filename: "yeongdogu_data.csv"},
}

// Block is one building-age risk cell.
type Block struct {
	BlockLat       float64 `json:"block_lat"`
	BlockLon       float64 `json:"block_lon"`
	TotalBuildings int     `json:"total_buildings"`
	OldBuildings   int     `json:"old_buildings"`
	OldRatio       float64 `json:"old_ratio"`
	CenterLat      float64 `json:"center_lat"`
	CenterLon      float64 `json:"center_lon"`
	Color          Color   `json:"color"`
}

// Bounds is a south-west / north-east rectangle.
type Bounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Bounds returns the rectangle the block covers.
func (b Block) Bounds() Bounds {
	return Bounds{
		South: b.BlockLat,
		West:  b.BlockLon,
		North: b.BlockLat + BlockSize,
		East:  b.BlockLon + BlockSize,
	}
}

// Dataset is the parsed content of one district file.
type Dataset struct {
	District District `json:"district"`
	Blocks   []Block  `json:"blocks"`
	// Bounds encloses every block; zero when Blocks is empty.
	Bounds Bounds `json:"bounds"`
}

func enclose(blocks []Block) Bounds {
	if len(blocks) == 0 {
		return Bounds{}
	}
	out := blocks[0].Bounds()
	for _, block := range blocks[1:] {
		cell := block.Bounds()
		out.South = min(out.South, cell.South)
		out.West = min(out.West, cell.West)
		out.North = max(out.North, cell.North)
		out.East = max(out.East, cell.East)
	}
	return out
}

// LookupDistrict finds a district by name.
func LookupDistrict(name string) (District, bool) {
	for _, district := range Districts {
		if district.Name == name {
			return district, true
		}
	}
	return District{}, false
}
