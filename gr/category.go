package gr

import (
	"fmt"

	"github.com/sarchlab/nvgpusim/hw"
)

// Category is a class of GR interrupt with its own handler.
type Category int

// Interrupt categories, in the order they are handled.
const (
	CategoryNotify Category = iota
	CategorySemaphore
	CategoryIllegalNotify
	CategoryIllegalMethod
	CategoryIllegalClass
	CategoryFECSError
	CategoryClassError
	CategoryFirmwareMethod
	CategoryException
	numCategories
)

var categoryBits = [numCategories]uint32{
	CategoryNotify:         hw.GRIntrNotify,
	CategorySemaphore:      hw.GRIntrSemaphore,
	CategoryIllegalNotify:  hw.GRIntrIllegalNotify,
	CategoryIllegalMethod:  hw.GRIntrIllegalMethod,
	CategoryIllegalClass:   hw.GRIntrIllegalClass,
	CategoryFECSError:      hw.GRIntrFECSError,
	CategoryClassError:     hw.GRIntrClassError,
	CategoryFirmwareMethod: hw.GRIntrFirmwareMethod,
	CategoryException:      hw.GRIntrException,
}

// Bit returns the pending interrupt bit of the category.
func (c Category) Bit() uint32 {
	if c < 0 || c >= numCategories {
		return 0
	}

	return categoryBits[c]
}

func (c Category) String() string {
	switch c {
	case CategoryNotify:
		return "notify"
	case CategorySemaphore:
		return "semaphore"
	case CategoryIllegalNotify:
		return "illegal_notify"
	case CategoryIllegalMethod:
		return "illegal_method"
	case CategoryIllegalClass:
		return "illegal_class"
	case CategoryFECSError:
		return "fecs_error"
	case CategoryClassError:
		return "class_error"
	case CategoryFirmwareMethod:
		return "firmware_method"
	case CategoryException:
		return "exception"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Categories decodes a pending mask into categories. Bits that match no
// category are returned as residual.
func Categories(pending uint32) (cats []Category, residual uint32) {
	residual = pending
	for c := Category(0); c < numCategories; c++ {
		if pending&c.Bit() != 0 {
			cats = append(cats, c)
			residual &^= c.Bit()
		}
	}

	return cats, residual
}
