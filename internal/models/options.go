package models

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

type FrameOrder string

const (
	VerticalFirst   FrameOrder = "vertical_first"
	HorizontalFirst FrameOrder = "horizontal_first"
)

type FontFamily string

const (
	FontArial        FontFamily = "Arial"
	FontCourier      FontFamily = "Courier"
	FontHelvetica    FontFamily = "Helvetica"
	FontSymbol       FontFamily = "Symbol"
	FontTimes        FontFamily = "Times"
	FontZapfDingbats FontFamily = "ZapfDingbats"
)

// Framerate is a positive rational such as "5" or "30000/1001", passed to
// the decoder verbatim.
type Framerate string

var framerateRe = regexp.MustCompile(`^\d+(/\d+)?$`)

// Rational splits the framerate into numerator and denominator.
func (f Framerate) Rational() (int64, int64, error) {
	s := string(f)
	if !framerateRe.MatchString(s) {
		return 0, 0, fmt.Errorf("framerate %q: want N or N/D", s)
	}
	num, den := s, "1"
	if i := strings.IndexByte(s, '/'); i >= 0 {
		num, den = s[:i], s[i+1:]
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("framerate %q: %w", s, err)
	}
	d, err := strconv.ParseInt(den, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("framerate %q: %w", s, err)
	}
	if n <= 0 || d <= 0 {
		return 0, 0, fmt.Errorf("framerate %q must be positive", s)
	}
	return n, d, nil
}

// LayoutOptions is frozen when a job is created. The pipeline only reads it.
// Lengths are millimeters.
type LayoutOptions struct {
	PageWidth          float64    `json:"page_width" validate:"gt=0"`
	PageHeight         float64    `json:"page_height" validate:"gt=0"`
	GridWidth          int        `json:"grid_width" validate:"gt=0,lte=1000"`
	GridHeight         int        `json:"grid_height" validate:"gt=0,lte=1000"`
	ImageWidth         float64    `json:"image_width" validate:"gt=0"`
	ImageHeight        float64    `json:"image_height" validate:"gt=0"`
	MarginLeft         float64    `json:"margin_left"`
	MarginTop          float64    `json:"margin_top"`
	GapBetweenX        float64    `json:"gap_between_x"`
	GapBetweenY        float64    `json:"gap_between_y"`
	FontFamily         FontFamily `json:"font_family" validate:"oneof=Arial Courier Helvetica Symbol Times ZapfDingbats"`
	FontStyle          string     `json:"font_style" validate:"fontstyle"`
	FontSize           float64    `json:"font_size" validate:"gt=0"`
	FrameNumberXOffset float64    `json:"frame_number_x_offset"`
	FrameNumberYOffset float64    `json:"frame_number_y_offset"`
	FrameOrder         FrameOrder `json:"frame_order" validate:"oneof=vertical_first horizontal_first"`
	Framerate          Framerate  `json:"framerate" validate:"framerate"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("fontstyle", func(fl validator.FieldLevel) bool {
		return strings.Trim(fl.Field().String(), "BIU") == ""
	})
	_ = v.RegisterValidation("framerate", func(fl validator.FieldLevel) bool {
		_, _, err := Framerate(fl.Field().String()).Rational()
		return err == nil
	})
	return v
}

// Validate rejects options the layout engine cannot render. It runs once,
// before a job is scheduled.
func (o LayoutOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return NewError(KindInvalidOptions, strings.Join(msgs, "; "), err)
		}
		return NewError(KindInvalidOptions, "invalid layout options", err)
	}
	return nil
}

// FramesPerPage is grid_width * grid_height.
func (o LayoutOptions) FramesPerPage() int {
	return o.GridWidth * o.GridHeight
}

// DefaultLayoutOptions is an A4 portrait page with a 2x4 grid.
func DefaultLayoutOptions() LayoutOptions {
	o := LayoutOptions{
		PageWidth:   210,
		PageHeight:  297,
		GridWidth:   2,
		GridHeight:  4,
		ImageWidth:  80,
		ImageHeight: 60,
		MarginLeft:  20,
		MarginTop:   28,
		GapBetweenX: 10,
		GapBetweenY: 0,
		FontFamily:  FontTimes,
		FontStyle:   "",
		FontSize:    8,
		FrameOrder:  VerticalFirst,
		Framerate:   "5",
	}
	o.FrameNumberXOffset, o.FrameNumberYOffset = DefaultFrameNumberOffsets(o)
	return o
}

// DefaultFrameNumberOffsets places the frame number in the horizontal gap
// left of the image, halfway down.
func DefaultFrameNumberOffsets(o LayoutOptions) (x, y float64) {
	return 1 - o.GapBetweenX, o.ImageHeight / 2
}

// canonicalFontStyle orders and dedupes style flags, e.g. "IBI" -> "BI".
func canonicalFontStyle(s string) string {
	var b strings.Builder
	for _, flag := range "BIU" {
		if strings.ContainsRune(s, flag) {
			b.WriteRune(flag)
		}
	}
	return b.String()
}

// LayoutRequest is the submission payload; nil fields fall back to the base
// options or to the documented defaults.
type LayoutRequest struct {
	PageWidth          *float64    `json:"page_width"`
	PageHeight         *float64    `json:"page_height"`
	GridWidth          *int        `json:"grid_width"`
	GridHeight         *int        `json:"grid_height"`
	ImageWidth         *float64    `json:"image_width"`
	ImageHeight        *float64    `json:"image_height"`
	MarginLeft         *float64    `json:"margin_left"`
	MarginTop          *float64    `json:"margin_top"`
	GapBetweenX        *float64    `json:"gap_between_x"`
	GapBetweenY        *float64    `json:"gap_between_y"`
	FontFamily         *FontFamily `json:"font_family"`
	FontStyle          *string     `json:"font_style"`
	FontSize           *float64    `json:"font_size"`
	FrameNumberXOffset *float64    `json:"frame_number_x_offset"`
	FrameNumberYOffset *float64    `json:"frame_number_y_offset"`
	FrameOrder         *FrameOrder `json:"frame_order"`
	Framerate          *Framerate  `json:"framerate"`
}

// Resolve merges the request over base (or the defaults when base is nil),
// derives missing frame number offsets and validates the result.
func (r LayoutRequest) Resolve(base *LayoutOptions) (LayoutOptions, error) {
	o := DefaultLayoutOptions()
	if base != nil {
		o = *base
	}

	setFloat(&o.PageWidth, r.PageWidth)
	setFloat(&o.PageHeight, r.PageHeight)
	if r.GridWidth != nil {
		o.GridWidth = *r.GridWidth
	}
	if r.GridHeight != nil {
		o.GridHeight = *r.GridHeight
	}
	setFloat(&o.ImageWidth, r.ImageWidth)
	setFloat(&o.ImageHeight, r.ImageHeight)
	setFloat(&o.MarginLeft, r.MarginLeft)
	setFloat(&o.MarginTop, r.MarginTop)
	setFloat(&o.GapBetweenX, r.GapBetweenX)
	setFloat(&o.GapBetweenY, r.GapBetweenY)
	if r.FontFamily != nil {
		o.FontFamily = *r.FontFamily
	}
	if r.FontStyle != nil {
		o.FontStyle = *r.FontStyle
	}
	setFloat(&o.FontSize, r.FontSize)
	if r.FrameOrder != nil {
		o.FrameOrder = *r.FrameOrder
	}
	if r.Framerate != nil {
		o.Framerate = Framerate(strings.TrimSpace(string(*r.Framerate)))
	}

	if base == nil {
		o.FrameNumberXOffset, o.FrameNumberYOffset = DefaultFrameNumberOffsets(o)
	}
	setFloat(&o.FrameNumberXOffset, r.FrameNumberXOffset)
	setFloat(&o.FrameNumberYOffset, r.FrameNumberYOffset)

	if err := o.Validate(); err != nil {
		return LayoutOptions{}, err
	}
	o.FontStyle = canonicalFontStyle(o.FontStyle)
	return o, nil
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
