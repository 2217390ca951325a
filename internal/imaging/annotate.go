package imaging

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"visionq/pkg/models"
)

// palette cycles per class id / instance index.
var palette = []color.RGBA{
	{230, 57, 70, 255},
	{46, 196, 182, 255},
	{255, 183, 3, 255},
	{76, 114, 176, 255},
	{148, 103, 189, 255},
	{86, 180, 91, 255},
}

// cocoSkeleton is the bone list over COCO-17 keypoint indices.
var cocoSkeleton = [][2]int{
	{5, 7}, {7, 9}, {6, 8}, {8, 10}, // arms
	{5, 6}, {5, 11}, {6, 12}, {11, 12}, // torso
	{11, 13}, {13, 15}, {12, 14}, {14, 16}, // legs
	{0, 1}, {0, 2}, {1, 3}, {2, 4}, // face
}

const keypointScoreFloor = 0.3

// Annotate renders a prediction onto a copy of img: bounding boxes and class
// labels for object tasks, boxes plus keypoints and skeleton for pose tasks.
func Annotate(img image.Image, pred models.Prediction) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)

	switch pred.Task {
	case models.TaskTypePose:
		for i, inst := range pred.Instances {
			c := palette[i%len(palette)]
			if inst.BBoxXYXY != nil {
				drawBox(out, *inst.BBoxXYXY, c)
			}
			drawSkeleton(out, inst.Keypoints, c)
		}
	default:
		for _, det := range pred.Detections {
			c := palette[det.ClassID%len(palette)]
			drawBox(out, det.BBoxXYXY, c)
			label := fmt.Sprintf("%s %.2f", det.ClassName, det.Confidence)
			drawLabel(out, int(det.BBoxXYXY[0]), int(det.BBoxXYXY[1])-4, label, c)
		}
	}
	return out
}

func drawBox(img *image.RGBA, box [4]float64, c color.RGBA) {
	x0, y0, x1, y1 := int(box[0]), int(box[1]), int(box[2]), int(box[3])
	for t := 0; t < 2; t++ {
		drawHLine(img, x0, x1, y0+t, c)
		drawHLine(img, x0, x1, y1-t, c)
		drawVLine(img, x0+t, y0, y1, c)
		drawVLine(img, x1-t, y0, y1, c)
	}
}

func drawSkeleton(img *image.RGBA, kps []models.Keypoint, c color.RGBA) {
	visible := func(i int) bool {
		if i >= len(kps) {
			return false
		}
		k := kps[i]
		if k.X == 0 && k.Y == 0 {
			return false
		}
		return k.Score == nil || *k.Score >= keypointScoreFloor
	}

	for _, bone := range cocoSkeleton {
		if visible(bone[0]) && visible(bone[1]) {
			a, b := kps[bone[0]], kps[bone[1]]
			drawLine(img, int(a.X), int(a.Y), int(b.X), int(b.Y), c)
		}
	}
	for i := range kps {
		if visible(i) {
			drawDot(img, int(kps[i].X), int(kps[i].Y), c)
		}
	}
}

func drawDot(img *image.RGBA, x, y int, c color.RGBA) {
	for dy := -2; dy <= 2; dy++ {
		for dx := -2; dx <= 2; dx++ {
			if dx*dx+dy*dy <= 4 {
				setPixel(img, x+dx, y+dy, c)
			}
		}
	}
}

func drawHLine(img *image.RGBA, x0, x1, y int, c color.RGBA) {
	for x := x0; x <= x1; x++ {
		setPixel(img, x, y, c)
	}
}

func drawVLine(img *image.RGBA, x, y0, y1 int, c color.RGBA) {
	for y := y0; y <= y1; y++ {
		setPixel(img, x, y, c)
	}
}

// drawLine is Bresenham over integer coordinates.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		setPixel(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	if y < basicfont.Face7x13.Ascent {
		y = basicfont.Face7x13.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
