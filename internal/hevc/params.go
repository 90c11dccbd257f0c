// Package hevc inspects the H.265 Annex B elementary streams produced by the
// encoder: NAL unit classification, parameter set extraction and access unit
// framing.
package hevc

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// ErrMissingParamSet is returned when a codec config lacks a VPS, SPS or PPS.
var ErrMissingParamSet = errors.New("hevc: missing parameter set")

// NALType returns the unit type from a two byte H.265 NAL header.
func NALType(nalu []byte) h265.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return h265.NALUType((nalu[0] >> 1) & 0x3F)
}

// IsVCL reports whether the unit carries slice data.
func IsVCL(typ h265.NALUType) bool {
	return typ <= h265.NALUType_RSV_IRAP_VCL23
}

// IsParamSet reports whether the unit is a VPS, SPS or PPS.
func IsParamSet(typ h265.NALUType) bool {
	switch typ {
	case h265.NALUType_VPS_NUT, h265.NALUType_SPS_NUT, h265.NALUType_PPS_NUT:
		return true
	}
	return false
}

// Split breaks an Annex B buffer into NAL units without start codes.
func Split(data []byte) ([][]byte, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal annex b: %w", err)
	}
	return au, nil
}

// Join encodes NAL units as an Annex B buffer.
func Join(nalus [][]byte) ([]byte, error) {
	return h264.AnnexB(nalus).Marshal()
}

// IsKeyframe reports whether the access unit can start decoding.
func IsKeyframe(nalus [][]byte) bool {
	return h265.IsRandomAccess(nalus)
}

// ParamSets holds the units that make up an HEVC codec config.
type ParamSets struct {
	VPS []byte
	SPS []byte
	PPS []byte
}

// Complete reports whether all three parameter sets are present.
func (p ParamSets) Complete() bool {
	return len(p.VPS) > 0 && len(p.SPS) > 0 && len(p.PPS) > 0
}

// Marshal returns the parameter sets as an Annex B codec config.
func (p ParamSets) Marshal() ([]byte, error) {
	if !p.Complete() {
		return nil, ErrMissingParamSet
	}
	return Join([][]byte{p.VPS, p.SPS, p.PPS})
}

// Dimensions decodes the SPS and returns the coded picture size.
func (p ParamSets) Dimensions() (width, height int, err error) {
	if len(p.SPS) == 0 {
		return 0, 0, ErrMissingParamSet
	}
	var sps h265.SPS
	if err := sps.Unmarshal(p.SPS); err != nil {
		return 0, 0, fmt.Errorf("unmarshal sps: %w", err)
	}
	return sps.Width(), sps.Height(), nil
}

// SplitParamSets separates parameter sets from the rest of an access unit.
// Later copies of a parameter set replace earlier ones.
func SplitParamSets(nalus [][]byte) (ParamSets, [][]byte) {
	var ps ParamSets
	var rest [][]byte
	for _, nalu := range nalus {
		switch NALType(nalu) {
		case h265.NALUType_VPS_NUT:
			ps.VPS = nalu
		case h265.NALUType_SPS_NUT:
			ps.SPS = nalu
		case h265.NALUType_PPS_NUT:
			ps.PPS = nalu
		default:
			rest = append(rest, nalu)
		}
	}
	return ps, rest
}

// ParseCodecConfig extracts the parameter sets from an Annex B codec config.
func ParseCodecConfig(data []byte) (ParamSets, error) {
	nalus, err := Split(data)
	if err != nil {
		return ParamSets{}, err
	}
	ps, _ := SplitParamSets(nalus)
	if !ps.Complete() {
		return ps, ErrMissingParamSet
	}
	return ps, nil
}
