package disk

import "os"

// linkPublish publishes oldpath at newpath with a hard link, which fails if
// newpath exists, then drops the temporary name.
func linkPublish(oldpath, newpath string) error {
	if err := os.Link(oldpath, newpath); err != nil {
		return err
	}
	_ = os.Remove(oldpath)
	return nil
}
