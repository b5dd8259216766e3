// Package geo holds the geometric building blocks of the DEM preparation:
// CRS-tagged bounding boxes, perimeter densification, coordinate transforms
// and the polar bounds correction applied to scenes at high latitudes.
package geo
