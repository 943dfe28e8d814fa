package transcode

// imaging registers JPEG, PNG, GIF, BMP and TIFF. WebP originals need the
// x/image decoder.
import _ "golang.org/x/image/webp"
