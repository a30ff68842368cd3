// Package pointcloud holds the accumulation kernel of the viewer: raw sensor
// samples, their conversion to Cartesian points, the point store with its
// update policies and cached bounds, and the color encoder that turns a store
// snapshot into renderer buffers.
//
// Coordinates are in the sensor's distance units (usually millimetres) unless
// a TransformConfig scale says otherwise. Angles are always degrees at the API
// boundary and radians only inside the trigonometry.
package pointcloud
